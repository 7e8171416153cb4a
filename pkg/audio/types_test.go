// ABOUTME: Tests for audio types
// ABOUTME: Tests sample conversion, frame sizing and layout validation
package audio

import "testing"

func TestSampleFromInt16(t *testing.T) {
	tests := []struct {
		name     string
		input    int16
		expected int32
	}{
		{"zero", 0, 0},
		{"positive", 100, 100 << 8},
		{"negative", -100, -100 << 8},
		{"max", 32767, 32767 << 8},
		{"min", -32768, -32768 << 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SampleFromInt16(tt.input)
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestSampleToInt16(t *testing.T) {
	tests := []struct {
		name     string
		input    int32
		expected int16
	}{
		{"zero", 0, 0},
		{"positive", 100 << 8, 100},
		{"negative", -100 << 8, -100},
		{"24bit positive", 1000000, 3906}, // 1000000 >> 8 = 3906
		{"24bit negative", -1000000, -3907},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SampleToInt16(tt.input)
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestSampleTo24Bit(t *testing.T) {
	tests := []struct {
		name     string
		input    int32
		expected [3]byte
	}{
		{"zero", 0, [3]byte{0, 0, 0}},
		{"positive", 0x123456, [3]byte{0x56, 0x34, 0x12}},
		{"negative", -256, [3]byte{0x00, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SampleTo24Bit(tt.input)
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestSampleFrom24Bit(t *testing.T) {
	tests := []struct {
		name     string
		input    [3]byte
		expected int32
	}{
		{"zero", [3]byte{0, 0, 0}, 0},
		{"positive", [3]byte{0x56, 0x34, 0x12}, 0x123456},
		{"negative", [3]byte{0x00, 0xFF, 0xFF}, -256},
		{"max positive", [3]byte{0xFF, 0xFF, 0x7F}, Max24Bit},
		{"max negative", [3]byte{0x00, 0x00, 0x80}, Min24Bit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SampleFrom24Bit(tt.input)
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestFrameBytes(t *testing.T) {
	tests := []struct {
		name     string
		format   Format
		expected int
	}{
		{"s16 stereo", NewFormat(FormatS16LE, 44100, 2), 4},
		{"s16 mono", NewFormat(FormatS16LE, 48000, 1), 2},
		{"s24 in 32 surround", NewFormat(FormatS24LE, 48000, 6), 24},
		{"packed s24 stereo", NewFormat(FormatS24_3LE, 96000, 2), 6},
		{"s32 stereo", NewFormat(FormatS32LE, 192000, 2), 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.format.FrameBytes(); got != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestFormatValidate(t *testing.T) {
	dup := NewFormat(FormatS16LE, 48000, 2)
	dup.Layout[ChFR] = 0

	outOfRange := NewFormat(FormatS16LE, 48000, 2)
	outOfRange.Layout[ChRL] = 2

	tests := []struct {
		name    string
		format  Format
		wantErr bool
	}{
		{"default stereo", NewFormat(FormatS16LE, 48000, 2), false},
		{"default 5.1", NewFormat(FormatS16LE, 48000, 6), false},
		{"zero rate", NewFormat(FormatS16LE, 0, 2), true},
		{"zero channels", NewFormat(FormatS16LE, 48000, 0), true},
		{"duplicate slot", dup, true},
		{"slot beyond channels", outOfRange, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChannelAt(t *testing.T) {
	f := NewFormat(FormatS16LE, 48000, 6)
	if ch := f.ChannelAt(5); ch != ChLFE {
		t.Errorf("expected LFE at slot 5, got %v", ch)
	}
	if ch := f.ChannelAt(7); ch != -1 {
		t.Errorf("expected no channel at slot 7, got %v", ch)
	}
}
