package sink

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/tailkeeper/pkg/log"
	"github.com/cuemby/tailkeeper/pkg/metrics"
	"github.com/cuemby/tailkeeper/pkg/storage"
	"github.com/cuemby/tailkeeper/pkg/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// TimestampField is the inbound field every record must carry
const TimestampField = "eventTimestamp"

// RecordError reports an inbound record that cannot be stored
type RecordError struct {
	Workload types.WorkloadID
	Reason   string
	Err      error
}

func (e *RecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed record from %s: %s: %v", e.Workload, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed record from %s: %s", e.Workload, e.Reason)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// Appender accepts raw records for a workload
type Appender interface {
	Append(id types.WorkloadID, raw []byte) error
}

// Sink normalizes inbound records and appends them to the store
type Sink struct {
	store  storage.Store
	clock  clockwork.Clock
	logger zerolog.Logger
}

// New creates a sink writing to store
func New(store storage.Store, clock clockwork.Clock) *Sink {
	return &Sink{
		store:  store,
		clock:  clock,
		logger: log.WithComponent("sink"),
	}
}

// Append parses raw as a JSON object, derives the normalized event time
// from its eventTimestamp field and stores the augmented record. A
// *RecordError means the record was dropped; any other error is a storage
// failure.
func (s *Sink) Append(id types.WorkloadID, raw []byte) error {
	record, err := s.normalize(id, raw)
	if err != nil {
		metrics.RecordsTotal.WithLabelValues("dropped").Inc()
		s.logger.Warn().Err(err).Str("workload", string(id)).Msg("Dropping malformed record")
		return err
	}

	if err := s.store.AppendRecord(record); err != nil {
		metrics.RecordsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to store record for %s: %w", id, err)
	}

	metrics.RecordsTotal.WithLabelValues("stored").Inc()
	return nil
}

func (s *Sink) normalize(id types.WorkloadID, raw []byte) (*types.Record, error) {
	var event map[string]json.RawMessage
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, &RecordError{Workload: id, Reason: "not a JSON object", Err: err}
	}
	if event == nil {
		return nil, &RecordError{Workload: id, Reason: "not a JSON object"}
	}

	value, ok := event[TimestampField]
	if !ok {
		return nil, &RecordError{Workload: id, Reason: "missing " + TimestampField}
	}

	eventTime, err := ParseEventTimestamp(value)
	if err != nil {
		return nil, &RecordError{Workload: id, Reason: "invalid " + TimestampField, Err: err}
	}

	return &types.Record{
		ID:         uuid.NewString(),
		Workload:   id,
		EventTime:  eventTime,
		ReceivedAt: s.clock.Now().UTC(),
		Event:      event,
	}, nil
}

var errEmptyTimestamp = errors.New("empty timestamp")

// ParseEventTimestamp accepts epoch milliseconds, as a JSON number or a
// numeric string, or an RFC 3339 string.
func ParseEventTimestamp(value json.RawMessage) (time.Time, error) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return time.Time{}, errEmptyTimestamp
	}

	text := string(value)
	if value[0] == '"' {
		if err := json.Unmarshal(value, &text); err != nil {
			return time.Time{}, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return time.Time{}, errEmptyTimestamp
		}
		if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return t.UTC(), nil
		}
	}

	return parseEpochMillis(text)
}

func parseEpochMillis(text string) (time.Time, error) {
	if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
		if ms < 0 {
			return time.Time{}, fmt.Errorf("negative timestamp %d", ms)
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", text)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > math.MaxInt64/1e6 {
		return time.Time{}, fmt.Errorf("timestamp out of range %q", text)
	}
	return time.Unix(0, int64(f*1e6)).UTC(), nil
}
