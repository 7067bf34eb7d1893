package sensor

import (
	"context"
	"errors"
	"testing"
)

// TestParsePayloadChecksumInvariant covers testable property 9: a DHT22
// payload is only accepted when sum(bytes[0..4]) mod 256 == bytes[4], and
// decoded values outside the sensor's documented range are rejected even
// when the checksum holds.
func TestParsePayloadChecksumInvariant(t *testing.T) {
	cases := []struct {
		name    string
		payload [5]byte
		want    Reading
		wantErr error
	}{
		{
			name:    "valid checksum, positive temperature",
			payload: [5]byte{2, 143, 0, 215, 104},
			want:    Reading{TempTenths: 215, HumidTenths: 655},
		},
		{
			name:    "valid checksum, negative temperature",
			payload: [5]byte{1, 144, 128, 50, 67},
			want:    Reading{TempTenths: -50, HumidTenths: 400},
		},
		{
			name:    "checksum mismatch is rejected",
			payload: [5]byte{2, 143, 0, 215, 0},
			wantErr: ErrChecksumMismatch,
		},
		{
			name:    "out-of-spec temperature is rejected despite valid checksum",
			payload: [5]byte{1, 144, 3, 44, 192},
			wantErr: ErrOutOfSpec,
		},
		{
			name:    "out-of-spec humidity is rejected despite valid checksum",
			payload: [5]byte{4, 15, 0, 200, 219},
			wantErr: ErrOutOfSpec,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParsePayload(c.payload)
			if c.wantErr != nil {
				if !errors.Is(err, c.wantErr) {
					t.Fatalf("ParsePayload(%v) error = %v, want %v", c.payload, err, c.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePayload(%v) unexpected error: %v", c.payload, err)
			}
			if got != c.want {
				t.Errorf("ParsePayload(%v) = %+v, want %+v", c.payload, got, c.want)
			}
		})
	}
}

type scriptedReader struct {
	readings []Reading
	idx      int
}

func (s *scriptedReader) Read(ctx context.Context) (Reading, error) {
	r := s.readings[s.idx]
	if s.idx < len(s.readings)-1 {
		s.idx++
	}
	return r, nil
}

func TestSamplerAcceptsFirstReading(t *testing.T) {
	s := NewSampler(&scriptedReader{readings: []Reading{{TempTenths: 200, HumidTenths: 400}}})
	r, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("expected first reading accepted, got %v", err)
	}
	if r.TempTenths != 200 {
		t.Errorf("expected temp 200, got %d", r.TempTenths)
	}
}

func TestSamplerAcceptsSmallDiff(t *testing.T) {
	reader := &scriptedReader{readings: []Reading{
		{TempTenths: 200, HumidTenths: 400},
		{TempTenths: 210, HumidTenths: 410},
	}}
	s := NewSampler(reader)

	if _, err := s.Sample(context.Background()); err != nil {
		t.Fatalf("first sample: %v", err)
	}
	if _, err := s.Sample(context.Background()); err != nil {
		t.Fatalf("expected small diff accepted, got %v", err)
	}
}

func TestSamplerRejectsLargeDiff(t *testing.T) {
	reader := &scriptedReader{readings: []Reading{
		{TempTenths: 200, HumidTenths: 400},
		{TempTenths: 400, HumidTenths: 400},
	}}
	s := NewSampler(reader)

	if _, err := s.Sample(context.Background()); err != nil {
		t.Fatalf("first sample: %v", err)
	}
	if _, err := s.Sample(context.Background()); err == nil {
		t.Error("expected large temperature jump to be rejected")
	}
}

func TestNullReaderReturnsPlausibleReading(t *testing.T) {
	r, err := (NullReader{}).Read(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.TempTenths <= 0 || r.HumidTenths <= 0 {
		t.Errorf("expected plausible positive reading, got %+v", r)
	}
}

func TestCollectRecordFillsHostAndSensorFields(t *testing.T) {
	s := NewSampler(NullReader{})
	rec := s.CollectRecord(context.Background())

	if rec.STime.IsZero() {
		t.Error("expected STime to be set")
	}
	if rec.Temperature <= 0 || rec.Humidity <= 0 {
		t.Errorf("expected DHT22 fields populated from NullReader, got %+v", rec)
	}
}
