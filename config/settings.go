package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type ScoringWeights struct {
	ExactAmount        int `yaml:"exact_amount"`
	AmountWithin1Pct   int `yaml:"amount_within_1pct"`
	AmountWithin5Pct   int `yaml:"amount_within_5pct"`
	ExactDate          int `yaml:"exact_date"`
	DateWithinWindow   int `yaml:"date_within_window"`
	ExactReference     int `yaml:"exact_reference"`
	SubstringReference int `yaml:"substring_reference"`
}

// Settings holds every tunable of the reconciliation service.
type Settings struct {
	Port                     string
	MaxUploadBytes           int64
	DateWindowDays           int
	LookbackMonths           int
	IndexMaxAge              time.Duration
	SessionTTL               time.Duration
	ConfirmationTTL          time.Duration
	MatchedThreshold         int
	ProbableThreshold        int
	Weights                  ScoringWeights
	Materiality              decimal.Decimal
	DiscrepancyAbsThreshold  decimal.Decimal
	DiscrepancyPctThreshold  decimal.Decimal
	CustomerMatchRatio       float64
	MaxConcurrentExtractions int
	PlatformBaseURL          string
	PlatformTimeout          time.Duration
	PlatformRequestsPerSec   int
	OCREndpoint              string
	OCRTimeout               time.Duration
	UploadBucket             string
	LockTTL                  time.Duration
}

// fileSettings is the YAML shape of RECONCILE_CONFIG_FILE. Zero values leave the setting alone.
type fileSettings struct {
	MaxUploadMiB             int            `yaml:"max_upload_mib"`
	DateWindowDays           int            `yaml:"date_window_days"`
	LookbackMonths           int            `yaml:"lookback_months"`
	IndexMaxAge              string         `yaml:"index_max_age"`
	ConfirmationTTL          string         `yaml:"confirmation_ttl"`
	MatchedThreshold         int            `yaml:"matched_threshold"`
	ProbableThreshold        int            `yaml:"probable_threshold"`
	Weights                  ScoringWeights `yaml:"weights"`
	Materiality              string         `yaml:"materiality"`
	DiscrepancyAbsThreshold  string         `yaml:"discrepancy_abs_threshold"`
	DiscrepancyPctThreshold  string         `yaml:"discrepancy_pct_threshold"`
	CustomerMatchRatio       float64        `yaml:"customer_match_ratio"`
	MaxConcurrentExtractions int            `yaml:"max_concurrent_extractions"`
}

func DefaultWeights() ScoringWeights {
	return ScoringWeights{
		ExactAmount:        50,
		AmountWithin1Pct:   30,
		AmountWithin5Pct:   15,
		ExactDate:          25,
		DateWithinWindow:   10,
		ExactReference:     25,
		SubstringReference: 10,
	}
}

func DefaultSettings() Settings {
	return Settings{
		Port:                     "8080",
		MaxUploadBytes:           50 << 20,
		DateWindowDays:           3,
		LookbackMonths:           12,
		IndexMaxAge:              15 * time.Minute,
		SessionTTL:               time.Hour,
		ConfirmationTTL:          5 * time.Minute,
		MatchedThreshold:         80,
		ProbableThreshold:        50,
		Weights:                  DefaultWeights(),
		Materiality:              decimal.NewFromInt(100),
		DiscrepancyAbsThreshold:  decimal.NewFromInt(1),
		DiscrepancyPctThreshold:  decimal.NewFromFloat(0.5),
		CustomerMatchRatio:       0.8,
		MaxConcurrentExtractions: 4,
		PlatformTimeout:          20 * time.Second,
		PlatformRequestsPerSec:   5,
		OCRTimeout:               30 * time.Second,
		LockTTL:                  30 * time.Second,
	}
}

// LoadSettings reads env vars on top of the defaults, then the optional YAML file named by
// RECONCILE_CONFIG_FILE, and validates the result.
func LoadSettings() (Settings, error) {
	s := DefaultSettings()

	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		s.Port = v
	}
	s.MaxUploadBytes = int64(intFromEnv("MAX_UPLOAD_MIB", 50)) << 20
	s.DateWindowDays = intFromEnv("DATE_WINDOW_DAYS", s.DateWindowDays)
	s.LookbackMonths = intFromEnv("LOOKBACK_MONTHS", s.LookbackMonths)
	s.IndexMaxAge = durationFromEnv("INDEX_MAX_AGE", s.IndexMaxAge)
	s.SessionTTL = durationFromEnv("SESSION_TTL", s.SessionTTL)
	s.ConfirmationTTL = durationFromEnv("CONFIRMATION_TTL", s.ConfirmationTTL)
	s.CustomerMatchRatio = floatFromEnv("CUSTOMER_MATCH_RATIO", s.CustomerMatchRatio)
	s.MaxConcurrentExtractions = intFromEnv("MAX_CONCURRENT_EXTRACTIONS", s.MaxConcurrentExtractions)
	s.PlatformBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PLATFORM_BASE_URL")), "/")
	s.PlatformTimeout = durationFromEnv("PLATFORM_TIMEOUT", s.PlatformTimeout)
	s.PlatformRequestsPerSec = intFromEnv("PLATFORM_RPS", s.PlatformRequestsPerSec)
	s.OCREndpoint = strings.TrimSpace(os.Getenv("OCR_ENDPOINT"))
	s.OCRTimeout = durationFromEnv("OCR_TIMEOUT", s.OCRTimeout)
	s.UploadBucket = strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	s.LockTTL = durationFromEnv("LOCK_TTL", s.LockTTL)
	if v := strings.TrimSpace(os.Getenv("MATERIALITY_THRESHOLD")); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return s, fmt.Errorf("MATERIALITY_THRESHOLD: %w", err)
		}
		s.Materiality = d
	}

	if path := strings.TrimSpace(os.Getenv("RECONCILE_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("read %s: %w", path, err)
		}
		if err := s.ApplyYAML(raw); err != nil {
			return s, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	return s, s.Validate()
}

// ApplyYAML overlays non-zero values from a YAML document.
func (s *Settings) ApplyYAML(raw []byte) error {
	var f fileSettings
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return err
	}
	if f.MaxUploadMiB > 0 {
		s.MaxUploadBytes = int64(f.MaxUploadMiB) << 20
	}
	if f.DateWindowDays > 0 {
		s.DateWindowDays = f.DateWindowDays
	}
	if f.LookbackMonths > 0 {
		s.LookbackMonths = f.LookbackMonths
	}
	if f.MatchedThreshold > 0 {
		s.MatchedThreshold = f.MatchedThreshold
	}
	if f.ProbableThreshold > 0 {
		s.ProbableThreshold = f.ProbableThreshold
	}
	if f.CustomerMatchRatio > 0 {
		s.CustomerMatchRatio = f.CustomerMatchRatio
	}
	if f.MaxConcurrentExtractions > 0 {
		s.MaxConcurrentExtractions = f.MaxConcurrentExtractions
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{f.IndexMaxAge, &s.IndexMaxAge},
		{f.ConfirmationTTL, &s.ConfirmationTTL},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	for _, d := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{f.Materiality, &s.Materiality},
		{f.DiscrepancyAbsThreshold, &s.DiscrepancyAbsThreshold},
		{f.DiscrepancyPctThreshold, &s.DiscrepancyPctThreshold},
	} {
		if d.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(d.raw)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	s.Weights = mergeWeights(s.Weights, f.Weights)
	return nil
}

func mergeWeights(base, over ScoringWeights) ScoringWeights {
	pick := func(b, o int) int {
		if o > 0 {
			return o
		}
		return b
	}
	return ScoringWeights{
		ExactAmount:        pick(base.ExactAmount, over.ExactAmount),
		AmountWithin1Pct:   pick(base.AmountWithin1Pct, over.AmountWithin1Pct),
		AmountWithin5Pct:   pick(base.AmountWithin5Pct, over.AmountWithin5Pct),
		ExactDate:          pick(base.ExactDate, over.ExactDate),
		DateWithinWindow:   pick(base.DateWithinWindow, over.DateWithinWindow),
		ExactReference:     pick(base.ExactReference, over.ExactReference),
		SubstringReference: pick(base.SubstringReference, over.SubstringReference),
	}
}

func (s Settings) Validate() error {
	var errs []error
	if s.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max upload size must be positive"))
	}
	if s.DateWindowDays < 0 {
		errs = append(errs, errors.New("date window must not be negative"))
	}
	if s.LookbackMonths <= 0 {
		errs = append(errs, errors.New("lookback must be positive"))
	}
	if s.ConfirmationTTL <= 0 {
		errs = append(errs, errors.New("confirmation ttl must be positive"))
	}
	if s.ProbableThreshold <= 0 || s.ProbableThreshold >= s.MatchedThreshold || s.MatchedThreshold > 100 {
		errs = append(errs, fmt.Errorf("thresholds must satisfy 0 < probable (%d) < matched (%d) <= 100", s.ProbableThreshold, s.MatchedThreshold))
	}
	if s.CustomerMatchRatio <= 0 || s.CustomerMatchRatio > 1 {
		errs = append(errs, errors.New("customer match ratio must be in (0, 1]"))
	}
	// execute holds the confirmation lock across the whole platform call
	if s.LockTTL <= s.PlatformTimeout {
		errs = append(errs, fmt.Errorf("lock ttl (%s) must exceed platform timeout (%s)", s.LockTTL, s.PlatformTimeout))
	}
	if s.MaxConcurrentExtractions <= 0 {
		errs = append(errs, errors.New("max concurrent extractions must be positive"))
	}
	return errors.Join(errs...)
}
