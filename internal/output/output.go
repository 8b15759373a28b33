// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package output publishes averaged current readings to the console, MQTT
// and Redis, and records raw sample streams to CBOR files.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

// Reading is one averaged measurement window
type Reading struct {
	Session string    `json:"session"`
	Time    time.Time `json:"ts"`
	Current float64   `json:"current"` // amperes
	Digital uint8     `json:"digital"`
	Count   int       `json:"count"`
	Missed  int       `json:"missed"`
}

// NewReading builds a reading from a combined window
func NewReading(session string, ts time.Time, c ppk2.Combined) Reading {
	return Reading{
		Session: session,
		Time:    ts,
		Current: c.Value,
		Digital: c.Digital,
		Count:   c.Count,
		Missed:  c.Missed,
	}
}

// MarshalPayload encodes a reading as the JSON published to brokers
func MarshalPayload(r Reading) ([]byte, error) {
	return json.Marshal(r)
}

// Output receives batches of readings
type Output interface {
	Publish([]Reading) error
	Close() error
}

// NewSessionID returns an identifier for one streaming session
func NewSessionID() string {
	return uuid.New().String()
}

// Console prints readings, one per line
type Console struct {
	w io.Writer
}

// NewConsole creates a console output writing to w
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Publish implements Output
func (c *Console) Publish(readings []Reading) error {
	for _, r := range readings {
		if _, err := fmt.Fprintf(c.w, "%s %14s pins=%s n=%d missed=%d\n",
			r.Time.Format(time.RFC3339Nano), ppk2.FormatCurrent(r.Current),
			ppk2.FormatDigital(r.Digital), r.Count, r.Missed); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Output
func (c *Console) Close() error { return nil }

// Multi fans readings out to several outputs
type Multi []Output

// Publish implements Output. Every output is attempted; errors are joined.
func (m Multi) Publish(readings []Reading) error {
	var errs []error
	for _, o := range m {
		if err := o.Publish(readings); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Output
func (m Multi) Close() error {
	var errs []error
	for _, o := range m {
		if err := o.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Throttled limits how often readings reach a slow output. Readings over the
// limit are skipped, never queued, so the sample loop is not held up.
type Throttled struct {
	out     Output
	limiter *rate.Limiter
	skipped atomic.Int64
}

// NewThrottled wraps out with a limit of perSecond publishes. A non-positive
// limit disables throttling.
func NewThrottled(out Output, perSecond float64) *Throttled {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Throttled{out: out, limiter: rate.NewLimiter(limit, burst)}
}

// Publish implements Output
func (t *Throttled) Publish(readings []Reading) error {
	if !t.limiter.Allow() {
		t.skipped.Add(int64(len(readings)))
		return nil
	}
	return t.out.Publish(readings)
}

// Close implements Output
func (t *Throttled) Close() error {
	return t.out.Close()
}

// Skipped returns the number of readings dropped by the limit
func (t *Throttled) Skipped() int64 {
	return t.skipped.Load()
}
