package errors

import (
	"testing"
)

func TestValidateNodeName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"generated", "MatrixVectorActivation_0", false},
		{"fifo", "StreamingFIFO_12", false},
		{"dotted", "conv1.weight", false},

		{"empty", "", true},
		{"too long", string(make([]byte, 300)), true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"control char", "foo\x01bar", true},
		{"newline", "foo\nbar", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNodeName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateNodeName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateOutputDir(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"relative", "build/out", false},
		{"absolute", "/tmp/build", false},

		{"empty", "", true},
		{"null byte", "out\x00dir", true},
		{"too long", string(make([]byte, 600)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOutputDir(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOutputDir(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !Is(err, ErrCodeInvalidPath) {
				t.Errorf("ValidateOutputDir(%q) code = %v, want %v", tt.input, GetCode(err), ErrCodeInvalidPath)
			}
		})
	}
}

func TestValidateRelativePath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "folding.json", false},
		{"nested", "configs/folding.json", false},

		{"absolute", "/etc/passwd", true},
		{"traversal", "../secret.json", true},
		{"backslash", "configs\\folding.json", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRelativePath(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRelativePath(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFPGAPart(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"xc7z020clg400-1", false},
		{"xczu3eg-sbva484-1-e", false},
		{"xcu250-figd2104-2L-e", false},
		{"", true},
		{"zynq", true},
		{"xc7z020 clg400", true},
	}

	for _, tt := range tests {
		err := ValidateFPGAPart(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateFPGAPart(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}
