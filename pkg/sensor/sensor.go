// Package sensor implements the environmental-sensor signal path named in
// spec section 4.9: a DHT22 Reader abstraction feeding a Sampler that
// validates each reading against the previous one before publishing it to
// telemetry. The single-wire bit-timing GPIO protocol itself is hardware/cgo
// specific and out of scope (spec.md's stated non-goal); ParsePayload below
// is the hardware-independent half (checksum + decode + range check) that a
// real GPIO-backed Reader would call once it has assembled the 5-byte frame.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wardendns/wardendns/pkg/storage"
)

// ErrChecksumMismatch is returned by ParsePayload when the trailing checksum
// byte doesn't match the sum of the first four payload bytes.
var ErrChecksumMismatch = errors.New("sensor: checksum mismatch")

// ErrOutOfSpec is returned by ParsePayload when a decoded value falls
// outside the DHT22's documented sensing range.
var ErrOutOfSpec = errors.New("sensor: reading out of specification")

// AcceptableTempDiffTenths and AcceptableHumidDiffTenths bound how far a
// new reading may move from the last accepted one, in tenths of a degree
// Celsius / tenths of a percent, mirroring the original's
// ACCEPTABLE_TEMP_DIFF / ACCEPTABLE_HUMID_DIFF constants.
const (
	AcceptableTempDiffTenths  = 100 // 10.0 C
	AcceptableHumidDiffTenths = 200 // 20.0 %
)

// Reading is one DHT22 sample, temperature and humidity scaled by 10 so
// they can be stored as integers (e.g. 215 == 21.5 C).
type Reading struct {
	TempTenths  int32
	HumidTenths int32
}

// Reader abstracts the DHT22 single-wire protocol. NullReader is the
// default, deterministic implementation used when no GPIO pin is
// configured.
type Reader interface {
	Read(ctx context.Context) (Reading, error)
}

// NullReader always reports a fixed, plausible reading. It is the default
// Reader so the DNS proxy runs unmodified on hosts with no DHT22 wired up.
type NullReader struct{}

// Read returns a constant placeholder reading.
func (NullReader) Read(ctx context.Context) (Reading, error) {
	return Reading{TempTenths: 215, HumidTenths: 450}, nil
}

// ParsePayload decodes a raw 40-bit DHT22 frame (humidity high/low byte,
// temperature high/low byte, checksum byte) the way am2302's
// from_binary_slice does: verify the checksum, decode humidity and
// temperature, then reject anything outside the sensor's documented range.
func ParsePayload(bytes [5]byte) (Reading, error) {
	var checkSum byte
	for _, b := range bytes[:4] {
		checkSum += b
	}
	if checkSum != bytes[4] {
		return Reading{}, ErrChecksumMismatch
	}

	rawHumidity := int32(bytes[0])*256 + int32(bytes[1])
	var rawTemperature int32
	if bytes[2] >= 128 {
		rawTemperature = -int32(bytes[3])
	} else {
		rawTemperature = int32(bytes[2])*256 + int32(bytes[3])
	}

	if rawTemperature > 810 || rawTemperature < -410 {
		return Reading{}, ErrOutOfSpec
	}
	if rawHumidity < 0 || rawHumidity > 999 {
		return Reading{}, ErrOutOfSpec
	}

	return Reading{TempTenths: rawTemperature, HumidTenths: rawHumidity}, nil
}

// BinaryReader wraps a frame-producing function (the hardware/cgo GPIO
// bit-timing read, out of scope here) and decodes every frame with
// ParsePayload, so any real GPIO Reader only has to hand over raw bytes.
type BinaryReader struct {
	ReadFrame func(ctx context.Context) ([5]byte, error)
}

// Read reads one raw frame and decodes it with ParsePayload.
func (r BinaryReader) Read(ctx context.Context) (Reading, error) {
	frame, err := r.ReadFrame(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("read frame: %w", err)
	}
	return ParsePayload(frame)
}

// Sampler reads from a Reader and rejects readings that jump further than
// the acceptable diff from the last accepted sample, matching the
// original's fallback validation path. The last-accepted reading is kept
// in a scaled-integer atomic cache (spec section 5), so concurrent readers
// never observe a torn value.
type Sampler struct {
	reader Reader
	last   atomic.Int64 // packed (tempTenths<<32 | humidTenths), 0 == no reading yet
}

// NewSampler builds a Sampler around reader.
func NewSampler(reader Reader) *Sampler {
	if reader == nil {
		reader = NullReader{}
	}
	return &Sampler{reader: reader}
}

// Sample reads once from the underlying Reader and validates it against
// the last accepted reading. The first ever reading is always accepted.
func (s *Sampler) Sample(ctx context.Context) (Reading, error) {
	r, err := s.reader.Read(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("read sensor: %w", err)
	}

	if prev, ok := s.lastReading(); ok {
		tempDiff := abs32(r.TempTenths - prev.TempTenths)
		humidDiff := abs32(r.HumidTenths - prev.HumidTenths)
		if tempDiff > AcceptableTempDiffTenths || humidDiff > AcceptableHumidDiffTenths {
			return Reading{}, fmt.Errorf("reading rejected: temp diff %d, humid diff %d exceeds acceptable bounds", tempDiff, humidDiff)
		}
	}

	s.store(r)
	return r, nil
}

// CollectRecord samples the DHT22 reading and host metrics together into
// one sys_info row. A rejected or failed DHT22 reading does not prevent
// host metrics from being recorded; its fields are simply left at zero.
func (s *Sampler) CollectRecord(ctx context.Context) storage.SysInfoRecord {
	host := CollectHostMetrics(ctx)
	rec := storage.SysInfoRecord{
		STime:  time.Now(),
		CPUAvg: host.CPUAvg,
		Memory: host.MemPercent,
	}
	if host.TempOK {
		rec.CPUTemp = host.CPUTempC
	}

	if reading, err := s.Sample(ctx); err == nil {
		rec.Temperature = float64(reading.TempTenths) / 10
		rec.Humidity = float64(reading.HumidTenths) / 10
	}

	return rec
}

func (s *Sampler) lastReading() (Reading, bool) {
	packed := s.last.Load()
	if packed == 0 {
		return Reading{}, false
	}
	return unpack(packed), true
}

func (s *Sampler) store(r Reading) {
	s.last.Store(pack(r))
}

func pack(r Reading) int64 {
	return int64(r.TempTenths)<<32 | int64(uint32(r.HumidTenths))
}

func unpack(packed int64) Reading {
	return Reading{
		TempTenths:  int32(packed >> 32),
		HumidTenths: int32(uint32(packed)),
	}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
