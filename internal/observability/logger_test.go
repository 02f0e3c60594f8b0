package observability

import "testing"

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  LoggingConfig
		wantErr bool
	}{
		{name: "defaults", config: LoggingConfig{}},
		{name: "json debug", config: LoggingConfig{Level: "debug", Format: "json"}},
		{name: "console warn", config: LoggingConfig{Level: "warn", Format: "console", Output: "stderr"}},
		{name: "bad level", config: LoggingConfig{Level: "loud"}, wantErr: true},
		{name: "bad format", config: LoggingConfig{Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && logger == nil {
				t.Fatal("NewLogger() returned nil logger")
			}
		})
	}
}
