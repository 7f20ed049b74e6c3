package server

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/batch.schema.json
var batchSchemaJSON []byte

const batchSchemaURL = "https://heartbeatd.local/schema/batch.schema.json"

var batchSchema = jsonschema.MustCompileString(batchSchemaURL, string(batchSchemaJSON))

var (
	// errMalformedBody marks request bodies that are not JSON.
	errMalformedBody = errors.New("malformed request body")

	// errInvalidBatch marks JSON bodies that do not describe a batch.
	errInvalidBatch = errors.New("invalid batch")
)

// BeatBatch is the body of POST /api/batch.
type BeatBatch struct {
	Timestamps []Timestamp `json:"timestamps"`
}

// Times returns the timestamps as UTC instants.
func (b BeatBatch) Times() []time.Time {
	out := make([]time.Time, len(b.Timestamps))
	for i, ts := range b.Timestamps {
		out[i] = time.Time(ts)
	}
	return out
}

// Timestamp accepts RFC 3339, naive date-times (read as UTC) and integer
// unix seconds.
type Timestamp time.Time

// naiveLayouts are tried in order after RFC 3339.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] != '"' {
		sec, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("parse unix timestamp %s: %w", data, err)
		}
		*t = Timestamp(time.Unix(sec, 0).UTC())
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

// MarshalJSON encodes the timestamp as RFC 3339.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339))
}

// ParseTimestamp parses an RFC 3339 or naive date-time string.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// decodeBatch validates body against the batch schema and decodes it.
// Bodies that are not JSON wrap errMalformedBody; schema and timestamp
// failures wrap errInvalidBatch.
func decodeBatch(body []byte) (BeatBatch, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return BeatBatch{}, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return BeatBatch{}, fmt.Errorf("%w: trailing data after JSON value", errMalformedBody)
	}
	if err := batchSchema.Validate(doc); err != nil {
		return BeatBatch{}, fmt.Errorf("%w: %v", errInvalidBatch, err)
	}

	var batch BeatBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return BeatBatch{}, fmt.Errorf("%w: %v", errInvalidBatch, err)
	}
	return batch, nil
}
