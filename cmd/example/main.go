// Command example is a small end-to-end demonstration of the Session
// façade: it creates a SessionFactory backed by an in-memory key Metastore
// and a static KMS, encrypts a few records for a handful of partition IDs,
// stores them via drrStore (keyed by a generated uuid), reloads and decrypts
// them, and with --metrics prints a metrics summary.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jessevdk/go-flags"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/vaultkeep/envelope/aead"
	"github.com/vaultkeep/envelope/envelope"
	"github.com/vaultkeep/envelope/kms"
	"github.com/vaultkeep/envelope/metastore"
)

type options struct {
	Partitions   int  `short:"p" long:"partitions" default:"5" description:"Number of distinct partition IDs to exercise."`
	Records      int  `short:"r" long:"records" default:"10" description:"Number of records to encrypt per partition."`
	SessionCache bool `short:"S" long:"session-cache" description:"Enable the shared session cache."`
	Metrics      bool `short:"m" long:"metrics" description:"Print a metrics summary when done."`
}

func main() {
	var opts options

	if _, err := flags.Parse(&opts); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}

		log.Fatal(err)
	}

	crypto := aead.NewAES256GCM()

	keyManager, err := kms.NewStaticAES256GCM("thisIsAStaticMasterKeyForTesting")
	if err != nil {
		log.Fatalf("failed to create static KMS: %v", err)
	}

	policyOpts := []envelope.PolicyOption{}
	if opts.SessionCache {
		policyOpts = append(policyOpts, envelope.WithSessionCache())
	}

	config := &envelope.Config{
		Service: "exampleService",
		Product: "productId",
		Policy:  envelope.NewCryptoPolicy(policyOpts...),
	}

	factory := envelope.NewSessionFactory(config, metastore.NewMemory(), keyManager, crypto)
	defer factory.Close()

	store := newDRRStore()
	ctx := context.Background()

	start := time.Now()

	for p := 0; p < opts.Partitions; p++ {
		partitionID := fmt.Sprintf("partition-%d", p)

		session, err := factory.GetSession(partitionID)
		if err != nil {
			log.Fatalf("failed to get session for %s: %v", partitionID, err)
		}

		ids := make([]interface{}, 0, opts.Records)

		for r := 0; r < opts.Records; r++ {
			payload := []byte(fmt.Sprintf("%s record %d", partitionID, r))

			id, err := session.Store(ctx, payload, store)
			if err != nil {
				log.Fatalf("encrypt/store failed: %v", err)
			}

			ids = append(ids, id)
		}

		for _, id := range ids {
			decrypted, err := session.Load(ctx, id, store)
			if err != nil {
				log.Fatalf("load/decrypt failed: %v", err)
			}

			log.Printf("%s: decrypted %q", partitionID, decrypted)
		}

		if err := session.Close(); err != nil {
			log.Printf("session close failed: %v", err)
		}
	}

	log.Printf("processed %d partitions x %d records in %s", opts.Partitions, opts.Records, time.Since(start))

	if opts.Metrics {
		gometrics.WriteOnce(gometrics.DefaultRegistry, logWriter{})
	}
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Print(string(p))
	return len(p), nil
}
