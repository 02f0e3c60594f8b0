package kafka

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"hash"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/aws/aws-msk-iam-sasl-signer-go/signer"
	"github.com/xdg-go/scram"
	"go.uber.org/zap"

	kaferrors "github.com/jittakal/kafreceiver/internal/errors"
)

const mskTokenTimeout = 10 * time.Second

// saramaSecurity applies the broker security settings to a sarama config.
// The protocol decides which of SASL and TLS are in play; the mechanism
// only matters when SASL is.
func saramaSecurity(sc *sarama.Config, cfg Config, logger *zap.Logger) error {
	protocol := cfg.SecurityProtocol
	if protocol == "" {
		protocol = "PLAINTEXT"
	}

	wantSASL, wantTLS, err := securityLayers(protocol)
	if err != nil {
		return err
	}

	if wantTLS {
		tlsConfig, err := clientTLSConfig(cfg.TLS)
		if err != nil {
			return err
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsConfig
	}

	if wantSASL {
		sc.Net.SASL.Enable = true
		if err := saramaSASL(sc, cfg); err != nil {
			return err
		}
	}

	logger.Info("broker security configured",
		zap.String("protocol", protocol),
		zap.String("mechanism", cfg.SASLMechanism),
		zap.Bool("tls", wantTLS),
	)
	return nil
}

// securityLayers maps a protocol name onto its SASL and TLS requirements.
func securityLayers(protocol string) (wantSASL, wantTLS bool, err error) {
	switch protocol {
	case "PLAINTEXT":
		return false, false, nil
	case "SASL_PLAINTEXT":
		return true, false, nil
	case "SSL":
		return false, true, nil
	case "SASL_SSL":
		return true, true, nil
	default:
		return false, false, &kaferrors.ConfigError{Field: "kafka.security_protocol", Value: protocol}
	}
}

func saramaSASL(sc *sarama.Config, cfg Config) error {
	sc.Net.SASL.User = cfg.SASLUsername
	sc.Net.SASL.Password = cfg.SASLPassword

	switch cfg.SASLMechanism {
	case "PLAIN":
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
	case "SCRAM-SHA-256":
		sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		sc.Net.SASL.SCRAMClientGeneratorFunc = scramClientFactory(sha256Gen)
	case "SCRAM-SHA-512":
		sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		sc.Net.SASL.SCRAMClientGeneratorFunc = scramClientFactory(sha512Gen)
	case "AWS_MSK_IAM":
		if cfg.AWSRegion == "" {
			return &kaferrors.ConfigError{Field: "kafka.aws_region", Value: ""}
		}
		sc.Net.SASL.Mechanism = sarama.SASLTypeOAuth
		sc.Net.SASL.TokenProvider = &mskTokenProvider{region: cfg.AWSRegion}
	default:
		return &kaferrors.ConfigError{Field: "kafka.sasl_mechanism", Value: cfg.SASLMechanism}
	}
	return nil
}

// clientTLSConfig builds the tls.Config both driver bindings dial with.
func clientTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACertFile != "" {
		pem, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("read ca certificate %s: %w", cfg.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

var (
	sha256Gen scram.HashGeneratorFcn = func() hash.Hash { return sha256.New() }
	sha512Gen scram.HashGeneratorFcn = func() hash.Hash { return sha512.New() }
)

// scramClientFactory builds sarama SCRAM clients for the given hash.
func scramClientFactory(gen scram.HashGeneratorFcn) func() sarama.SCRAMClient {
	return func() sarama.SCRAMClient {
		return &scramClient{gen: gen}
	}
}

// scramClient runs one SCRAM conversation via xdg-go/scram.
type scramClient struct {
	gen  scram.HashGeneratorFcn
	conv *scram.ClientConversation
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.gen.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.conv = client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.conv.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.conv.Done()
}

// mskTokenProvider implements sarama.AccessTokenProvider for AWS MSK IAM.
// Token generation hits the AWS signer on every refresh, so it is bounded
// by a timeout rather than inheriting sarama's dial context.
type mskTokenProvider struct {
	region string
}

func (p *mskTokenProvider) Token() (*sarama.AccessToken, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mskTokenTimeout)
	defer cancel()

	token, _, err := signer.GenerateAuthToken(ctx, p.region)
	if err != nil {
		return nil, fmt.Errorf("msk iam token: %w", err)
	}
	return &sarama.AccessToken{Token: token}, nil
}
