package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/vaultkeep/envelope/envelope"
	"github.com/vaultkeep/envelope/internal/envelopekey"
	"github.com/vaultkeep/envelope/log"
)

var (
	encryptKeyTimer = gometrics.GetOrRegisterTimer(envelope.MetricsPrefix+".kms.aws.encryptkey", nil)
	decryptKeyTimer = gometrics.GetOrRegisterTimer(envelope.MetricsPrefix+".kms.aws.decryptkey", nil)
)

// Client is the subset of the AWS KMS v2 client this package depends on.
type Client interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
}

// KMS implements envelope.KeyManagementService against one or more AWS
// regions. Build one with NewBuilder or NewKMS.
type KMS struct {
	clients []regionalClient

	crypto envelope.AEAD
}

// NewKMS is a convenience wrapper equivalent to
// NewBuilder(crypto, arnMap).WithPreferredRegion(preferredRegion).Build().
func NewKMS(crypto envelope.AEAD, preferredRegion string, arnMap map[string]string) (*KMS, error) {
	return NewBuilder(crypto, arnMap).
		WithPreferredRegion(preferredRegion).
		Build()
}

// EncryptKey generates a data key in the first region that succeeds,
// encrypts keyBytes with it locally, then re-encrypts the data key's
// plaintext against every other region's master key so the result can be
// decrypted starting from any configured region.
func (a *KMS) EncryptKey(ctx context.Context, keyBytes []byte) ([]byte, error) {
	dataKey, err := a.generateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	defer envelopekey.MemClr(dataKey.Plaintext)

	encKeyBytes, err := a.crypto.Encrypt(keyBytes, dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("aws: error encrypting key: %w", err)
	}

	env := regionEnvelope{
		EncryptedKey: encKeyBytes,
		KEKs:         a.encryptRegionalKEKs(ctx, dataKey),
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("aws: error marshalling envelope: %w", err)
	}

	return b, nil
}

func (a *KMS) generateDataKey(ctx context.Context) (*kms.GenerateDataKeyOutput, error) {
	for _, c := range a.clients {
		resp, err := c.GenerateDataKey(ctx)
		if err != nil {
			log.Debugf("aws kms: error generating data key in region %s, trying next: %s", c.Region, err)
			continue
		}

		return resp, nil
	}

	return nil, errors.New("all regions returned errors")
}

func (a *KMS) encryptRegionalKEKs(ctx context.Context, dataKey *kms.GenerateDataKeyOutput) (out []regionalKEK) {
	ch := make(chan regionalKEK, len(a.clients))

	go a.encryptAllRegions(ctx, dataKey, ch)

	for kek := range ch {
		out = append(out, kek)
	}

	return out
}

func (a *KMS) encryptAllRegions(ctx context.Context, dataKey *kms.GenerateDataKeyOutput, ch chan<- regionalKEK) {
	var wg sync.WaitGroup

	for _, c := range a.clients {
		if c.MasterKeyARN == *dataKey.KeyId {
			ch <- regionalKEK{Region: c.Region, ARN: c.MasterKeyARN, EncryptedKEK: dataKey.CiphertextBlob}
			continue
		}

		wg.Add(1)

		go func(c regionalClient) {
			defer wg.Done()

			resp, err := c.EncryptKey(ctx, dataKey.Plaintext)
			if err != nil {
				log.Debugf("aws kms: error encrypting data key in region %s: %s", c.Region, err)
				return
			}

			ch <- regionalKEK{Region: c.Region, ARN: c.MasterKeyARN, EncryptedKEK: resp.CiphertextBlob}
		}(c)
	}

	wg.Wait()
	close(ch)
}

// DecryptKey decrypts an envelope produced by EncryptKey, trying the
// preferred region first and falling back through the rest in order.
func (a *KMS) DecryptKey(ctx context.Context, data []byte) ([]byte, error) {
	var env regionEnvelope

	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("aws: unable to unmarshal envelope: %w", err)
	}

	keks := make(map[string]regionalKEK, len(env.KEKs))
	for _, kek := range env.KEKs {
		keks[kek.Region] = kek
	}

	for _, c := range a.clients {
		kek, ok := keks[c.Region]
		if !ok {
			log.Debugf("aws kms: no KEK found for region %s", c.Region)
			continue
		}

		resp, err := c.DecryptKey(ctx, kek.EncryptedKEK)
		if err != nil {
			log.Debugf("aws kms: error decrypting in region %s: %s", c.Region, err)
			continue
		}

		keyBytes, err := a.crypto.Decrypt(env.EncryptedKey, resp.Plaintext)
		if err != nil {
			log.Debugf("aws kms: error decrypting payload with region %s data key: %s", c.Region, err)
			continue
		}

		return keyBytes, nil
	}

	return nil, errors.New("decrypt failed in all regions")
}

// PreferredRegion returns the region tried first.
func (a *KMS) PreferredRegion() string {
	return a.clients[0].Region
}

type regionEnvelope struct {
	EncryptedKey []byte        `json:"encryptedKey"`
	KEKs         []regionalKEK `json:"kmsKeks"`
}

type regionalKEK struct {
	Region       string `json:"region"`
	ARN          string `json:"arn"`
	EncryptedKEK []byte `json:"encryptedKek"`
}

type regionalClient struct {
	Client       Client
	Region       string
	MasterKeyARN string
}

func (r *regionalClient) GenerateDataKey(ctx context.Context) (*kms.GenerateDataKeyOutput, error) {
	start := time.Now()

	resp, err := r.Client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   &r.MasterKeyARN,
		KeySpec: types.DataKeySpecAes256,
	})

	gometrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.generatedatakey.%s", envelope.MetricsPrefix, r.Region), nil).UpdateSince(start)

	return resp, err
}

func (r *regionalClient) EncryptKey(ctx context.Context, keyBytes []byte) (*kms.EncryptOutput, error) {
	defer encryptKeyTimer.UpdateSince(time.Now())

	return r.Client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     &r.MasterKeyARN,
		Plaintext: keyBytes,
	})
}

func (r *regionalClient) DecryptKey(ctx context.Context, keyBytes []byte) (*kms.DecryptOutput, error) {
	defer decryptKeyTimer.UpdateSince(time.Now())

	return r.Client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &r.MasterKeyARN,
		CiphertextBlob: keyBytes,
	})
}
