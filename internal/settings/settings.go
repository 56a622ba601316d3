// Package settings loads the broker's protocol timing from YAML.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidSettings = errors.New("settings: invalid")

// Duration is a time.Duration written as "10m", "48h" and so on.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("%w: duration %q: %v", ErrInvalidSettings, s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Settings struct {
	// MessagingMargin is the time a client gets to react to a message.
	MessagingMargin Duration `yaml:"messaging_margin"`
	// MinimumUploadRate is in KiB/s.
	MinimumUploadRate    uint64   `yaml:"minimum_upload_rate"`
	DownloadLeadingTime  Duration `yaml:"download_leading_time"`
	ForcedAcceptanceTime Duration `yaml:"forced_acceptance_time"`
	PaymentDueTime       Duration `yaml:"payment_due_time"`

	AdditionalVerificationTimeMultiplier float64 `yaml:"additional_verification_time_multiplier"`
	BlenderThreads                       int     `yaml:"blender_threads"`

	StorageClusterAddress string `yaml:"storage_cluster_address"`

	// Lock contention retry for verification callbacks and settlement.
	LockRetryInitial Duration `yaml:"lock_retry_initial"`
	LockRetryMax     Duration `yaml:"lock_retry_max"`
	LockRetryFactor  float64  `yaml:"lock_retry_factor"`
	LockRetryLimit   int      `yaml:"lock_retry_limit"`
}

func Default() Settings {
	return Settings{
		MessagingMargin:                      Duration(10 * time.Minute),
		MinimumUploadRate:                    384,
		DownloadLeadingTime:                  Duration(3 * time.Minute),
		ForcedAcceptanceTime:                 Duration(10 * time.Minute),
		PaymentDueTime:                       Duration(48 * time.Hour),
		AdditionalVerificationTimeMultiplier: 1.5,
		BlenderThreads:                       1,
		StorageClusterAddress:                "http://storage.concent.local/",
		LockRetryInitial:                     Duration(time.Second),
		LockRetryMax:                         Duration(30 * time.Second),
		LockRetryFactor:                      2,
		LockRetryLimit:                       5,
	}
}

func (s Settings) Validate() error {
	if s.MessagingMargin <= 0 {
		return fmt.Errorf("%w: messaging_margin must be > 0", ErrInvalidSettings)
	}
	if s.MinimumUploadRate == 0 {
		return fmt.Errorf("%w: minimum_upload_rate must be > 0", ErrInvalidSettings)
	}
	if s.DownloadLeadingTime < 0 || s.ForcedAcceptanceTime <= 0 || s.PaymentDueTime <= 0 {
		return fmt.Errorf("%w: download_leading_time, forced_acceptance_time and payment_due_time", ErrInvalidSettings)
	}
	if s.AdditionalVerificationTimeMultiplier <= 0 {
		return fmt.Errorf("%w: additional_verification_time_multiplier must be > 0", ErrInvalidSettings)
	}
	if s.BlenderThreads <= 0 {
		return fmt.Errorf("%w: blender_threads must be > 0", ErrInvalidSettings)
	}
	if s.LockRetryInitial <= 0 || s.LockRetryMax < s.LockRetryInitial || s.LockRetryFactor < 1 || s.LockRetryLimit < 0 {
		return fmt.Errorf("%w: lock retry policy", ErrInvalidSettings)
	}
	return nil
}

// Parse reads YAML over the defaults. Unknown keys are rejected.
func Parse(b []byte) (Settings, error) {
	s := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Load reads path, or returns the defaults when path is empty.
func Load(path string) (Settings, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: read %s: %w", path, err)
	}
	return Parse(b)
}
