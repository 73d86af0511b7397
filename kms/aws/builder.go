// Package aws implements envelope.KeyManagementService against AWS KMS,
// encrypting each System Key's data key in every configured region so that
// the resulting EnvelopeKeyRecord can be decrypted from any of them.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/pkg/errors"

	"github.com/vaultkeep/envelope/envelope"
)

// ClientFactory creates an AWS KMS client for a region-scoped aws.Config.
type ClientFactory func(cfg aws.Config, optFns ...func(*kms.Options)) Client

// DefaultClientFactory wraps kms.NewFromConfig.
func DefaultClientFactory(cfg aws.Config, optFns ...func(*kms.Options)) Client {
	return kms.NewFromConfig(cfg, optFns...)
}

// Builder constructs a KMS from a region-to-ARN map plus options.
type Builder struct {
	arnMap map[string]string

	crypto envelope.AEAD

	preferredRegion string

	factory ClientFactory

	cfg            aws.Config
	usingCustomCfg bool
}

// NewBuilder returns a Builder for the given region->master-key-ARN map.
// arnMap must contain at least one entry.
func NewBuilder(crypto envelope.AEAD, arnMap map[string]string) *Builder {
	if len(arnMap) == 0 {
		panic("aws: arnMap must contain at least one entry")
	}

	return &Builder{arnMap: arnMap, crypto: crypto}
}

// WithPreferredRegion sets the region tried first for decrypt and whose
// data key is reused directly (rather than re-encrypted) on encrypt.
// Required when arnMap has more than one region.
func (b *Builder) WithPreferredRegion(region string) *Builder {
	b.preferredRegion = region
	return b
}

// WithClientFactory overrides how per-region KMS clients are constructed.
// Mainly useful for tests.
func (b *Builder) WithClientFactory(factory ClientFactory) *Builder {
	b.factory = factory
	return b
}

// WithAWSConfig overrides the base aws.Config used to build per-region
// configs. Defaults to config.LoadDefaultConfig.
func (b *Builder) WithAWSConfig(cfg aws.Config) *Builder {
	b.cfg = cfg
	b.usingCustomCfg = true

	return b
}

// Build validates the configuration and constructs a KMS.
func (b *Builder) Build() (*KMS, error) {
	if b.factory == nil {
		b.factory = DefaultClientFactory
	}

	if !b.usingCustomCfg {
		cfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("aws: unable to load default AWS config: %w", err)
		}

		b.cfg = cfg
	}

	if b.preferredRegion == "" && len(b.arnMap) > 1 {
		return nil, errors.New("aws: preferred region must be set when using multiple regions")
	}

	var clients []regionalClient

	for region, arn := range b.arnMap {
		cfg := b.cfg.Copy()
		cfg.Region = region

		c := regionalClient{
			Client:       b.factory(cfg),
			Region:       region,
			MasterKeyARN: arn,
		}

		if region == b.preferredRegion {
			clients = append([]regionalClient{c}, clients...)
		} else {
			clients = append(clients, c)
		}
	}

	return &KMS{clients: clients, crypto: b.crypto}, nil
}
