package limits

import (
	"errors"
	"testing"

	"golang.org/x/crypto/blake2b"
)

// TestDigestSizeMatchesBlake2b verifies that DigestSize matches the digest
// produced by golang.org/x/crypto/blake2b.Sum256
func TestDigestSizeMatchesBlake2b(t *testing.T) {
	sum := blake2b.Sum256([]byte("sample"))
	if DigestSize != len(sum) {
		t.Errorf("DigestSize = %d, want %d (blake2b.Size256)", DigestSize, len(sum))
	}
	if DigestSize != blake2b.Size256 {
		t.Errorf("DigestSize = %d, want %d", DigestSize, blake2b.Size256)
	}
}

func TestValidateSampleSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty", 0, ErrSampleEmpty},
		{"single byte", 1, nil},
		{"at limit", MaxSampleSize, nil},
		{"over limit", MaxSampleSize + 1, ErrSampleTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSampleSize(make([]byte, tt.size))
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateSampleSize(%d) = %v, want nil", tt.size, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateSampleSize(%d) = %v, want %v", tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFrameSize(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		valid         bool
	}{
		{"vga", 640, 480, true},
		{"minimum", MinFrameDimension, MinFrameDimension, true},
		{"maximum", MaxFrameDimension, MaxFrameDimension, true},
		{"odd width", 641, 480, false},
		{"odd height", 640, 479, false},
		{"zero", 0, 0, false},
		{"too wide", MaxFrameDimension + 2, 480, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFrameSize(tt.width, tt.height)
			if tt.valid && err != nil {
				t.Errorf("ValidateFrameSize(%d, %d) = %v, want nil", tt.width, tt.height, err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidFrameSize) {
				t.Errorf("ValidateFrameSize(%d, %d) = %v, want ErrInvalidFrameSize", tt.width, tt.height, err)
			}
		})
	}
}

func TestEvenDimension(t *testing.T) {
	cases := map[int]int{
		-4:                    MinFrameDimension,
		1:                     MinFrameDimension,
		3:                     4,
		480:                   480,
		MaxFrameDimension + 1: MaxFrameDimension,
	}
	for in, want := range cases {
		if got := EvenDimension(in); got != want {
			t.Errorf("EvenDimension(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestValidateRecordLength(t *testing.T) {
	if err := ValidateRecordLength(0); err != nil {
		t.Errorf("ValidateRecordLength(0) = %v, want nil", err)
	}
	if err := ValidateRecordLength(MaxSampleSize + 65); !errors.Is(err, ErrSampleTooLarge) {
		t.Errorf("ValidateRecordLength(oversized) = %v, want ErrSampleTooLarge", err)
	}
}
