package kafka

import (
	"crypto/tls"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	kaferrors "github.com/jittakal/kafreceiver/internal/errors"
)

func TestSecurityLayers(t *testing.T) {
	tests := []struct {
		protocol string
		wantSASL bool
		wantTLS  bool
		wantErr  bool
	}{
		{protocol: "PLAINTEXT"},
		{protocol: "SASL_PLAINTEXT", wantSASL: true},
		{protocol: "SSL", wantTLS: true},
		{protocol: "SASL_SSL", wantSASL: true, wantTLS: true},
		{protocol: "KERBEROS", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			wantSASL, wantTLS, err := securityLayers(tt.protocol)
			if (err != nil) != tt.wantErr {
				t.Fatalf("securityLayers(%q) error = %v, wantErr %v", tt.protocol, err, tt.wantErr)
			}
			if wantSASL != tt.wantSASL || wantTLS != tt.wantTLS {
				t.Errorf("securityLayers(%q) = (%v, %v), want (%v, %v)",
					tt.protocol, wantSASL, wantTLS, tt.wantSASL, tt.wantTLS)
			}
		})
	}
}

func TestSaramaSecurity(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		check   func(*testing.T, *sarama.Config)
		wantErr bool
	}{
		{
			name: "plaintext leaves sasl and tls off",
			cfg:  Config{SecurityProtocol: "PLAINTEXT"},
			check: func(t *testing.T, sc *sarama.Config) {
				if sc.Net.SASL.Enable || sc.Net.TLS.Enable {
					t.Error("SASL or TLS enabled for PLAINTEXT")
				}
			},
		},
		{
			name: "empty protocol defaults to plaintext",
			cfg:  Config{},
			check: func(t *testing.T, sc *sarama.Config) {
				if sc.Net.SASL.Enable || sc.Net.TLS.Enable {
					t.Error("SASL or TLS enabled by default")
				}
			},
		},
		{
			name: "sasl plain",
			cfg: Config{
				SecurityProtocol: "SASL_PLAINTEXT",
				SASLMechanism:    "PLAIN",
				SASLUsername:     "user",
				SASLPassword:     "secret",
			},
			check: func(t *testing.T, sc *sarama.Config) {
				if !sc.Net.SASL.Enable {
					t.Error("SASL not enabled")
				}
				if sc.Net.SASL.Mechanism != sarama.SASLTypePlaintext {
					t.Errorf("mechanism = %v, want PLAIN", sc.Net.SASL.Mechanism)
				}
				if sc.Net.SASL.User != "user" || sc.Net.SASL.Password != "secret" {
					t.Error("credentials not applied")
				}
			},
		},
		{
			name: "scram sha-512",
			cfg: Config{
				SecurityProtocol: "SASL_PLAINTEXT",
				SASLMechanism:    "SCRAM-SHA-512",
			},
			check: func(t *testing.T, sc *sarama.Config) {
				if sc.Net.SASL.Mechanism != sarama.SASLTypeSCRAMSHA512 {
					t.Errorf("mechanism = %v, want SCRAM-SHA-512", sc.Net.SASL.Mechanism)
				}
				if sc.Net.SASL.SCRAMClientGeneratorFunc == nil {
					t.Fatal("no SCRAM client generator")
				}
				if sc.Net.SASL.SCRAMClientGeneratorFunc() == nil {
					t.Error("generator returned nil client")
				}
			},
		},
		{
			name: "msk iam without region",
			cfg: Config{
				SecurityProtocol: "SASL_SSL",
				SASLMechanism:    "AWS_MSK_IAM",
			},
			wantErr: true,
		},
		{
			name: "msk iam",
			cfg: Config{
				SecurityProtocol: "SASL_PLAINTEXT",
				SASLMechanism:    "AWS_MSK_IAM",
				AWSRegion:        "us-east-1",
			},
			check: func(t *testing.T, sc *sarama.Config) {
				if sc.Net.SASL.Mechanism != sarama.SASLTypeOAuth {
					t.Errorf("mechanism = %v, want OAUTHBEARER", sc.Net.SASL.Mechanism)
				}
				if sc.Net.SASL.TokenProvider == nil {
					t.Error("no token provider")
				}
			},
		},
		{
			name: "unsupported mechanism",
			cfg: Config{
				SecurityProtocol: "SASL_PLAINTEXT",
				SASLMechanism:    "GSSAPI",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := sarama.NewConfig()
			err := saramaSecurity(sc, tt.cfg, zap.NewNop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("saramaSecurity() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var cfgErr *kaferrors.ConfigError
				if !errors.As(err, &cfgErr) {
					t.Errorf("error = %v, want *ConfigError", err)
				}
				return
			}
			tt.check(t, sc)
		})
	}
}

func TestClientTLSConfig(t *testing.T) {
	tlsConfig, err := clientTLSConfig(TLSConfig{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("clientTLSConfig() error = %v", err)
	}
	if !tlsConfig.InsecureSkipVerify {
		t.Error("InsecureSkipVerify not applied")
	}
	if tlsConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", tlsConfig.MinVersion)
	}

	if _, err := clientTLSConfig(TLSConfig{CACertFile: "does/not/exist.pem"}); err == nil {
		t.Error("missing CA certificate did not error")
	}
}
