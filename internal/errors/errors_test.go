package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestCevastError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *CevastError
		expected string
	}{
		{
			name:     "error without cause",
			err:      New(CategoryConfig, SeverityFatal, "configuration invalid"),
			expected: "config (fatal): configuration invalid",
		},
		{
			name:     "error with cause",
			err:      Wrap(fmt.Errorf("file not found"), CategoryConfig, SeverityFatal, "failed to load config"),
			expected: "config (fatal): failed to load config: file not found",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := test.err.Error()
			if result != test.expected {
				t.Errorf("Error() = %q, want %q", result, test.expected)
			}
		})
	}
}

func TestCevastError_WithContext(t *testing.T) {
	err := New(CategoryCollect, SeverityWarning, "download failed").
		WithContext("dataset", "20200612_443_certs.gz").
		WithContext("port", "443")

	if err.Context == nil {
		t.Fatal("Context should not be nil")
	}

	if err.Context["dataset"] != "20200612_443_certs.gz" {
		t.Errorf("Context[dataset] = %v, want 20200612_443_certs.gz", err.Context["dataset"])
	}

	if err.Context["port"] != "443" {
		t.Errorf("Context[port] = %v, want 443", err.Context["port"])
	}
}

func TestIsCategory(t *testing.T) {
	configErr := New(CategoryConfig, SeverityFatal, "config error")
	certdbErr := New(CategoryCertDB, SeverityWarning, "certdb error")
	standardErr := fmt.Errorf("standard error")

	tests := []struct {
		name     string
		err      error
		category ErrorCategory
		expected bool
	}{
		{"config error matches config category", configErr, CategoryConfig, true},
		{"config error doesn't match certdb category", configErr, CategoryCertDB, false},
		{"certdb error matches certdb category", certdbErr, CategoryCertDB, true},
		{"standard error doesn't match any category", standardErr, CategoryConfig, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsCategory(test.err, test.category)
			if result != test.expected {
				t.Errorf("IsCategory() = %v, want %v", result, test.expected)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	retryableErr := WrapRetryable(fmt.Errorf("timeout"), CategoryNetwork, SeverityWarning, "download failed")
	nonRetryableErr := New(CategoryConfig, SeverityFatal, "invalid")
	standardErr := fmt.Errorf("standard error")

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"retryable error", retryableErr, true},
		{"non-retryable error", nonRetryableErr, false},
		{"standard error", standardErr, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsRetryable(test.err)
			if result != test.expected {
				t.Errorf("IsRetryable() = %v, want %v", result, test.expected)
			}
		})
	}
}

func TestConvenienceFunctions(t *testing.T) {
	t.Run("ConfigNotFound", func(t *testing.T) {
		err := ConfigNotFound("/path/to/config.yaml")
		if err.Category != CategoryConfig {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfig)
		}
		if err.Severity != SeverityFatal {
			t.Errorf("Severity = %v, want %v", err.Severity, SeverityFatal)
		}
		if err.Context["path"] != "/path/to/config.yaml" {
			t.Errorf("Context[path] = %v, want /path/to/config.yaml", err.Context["path"])
		}
	})

	t.Run("CollectionRetryable", func(t *testing.T) {
		cause := fmt.Errorf("timeout")
		err := CollectionRetryable("20200612_443_certs.gz", cause)
		if err.Category != CategoryNetwork {
			t.Errorf("Category = %v, want %v", err.Category, CategoryNetwork)
		}
		if !err.Retryable {
			t.Error("CollectionRetryable should be retryable")
		}
		if !stdErrors.Is(err, cause) {
			t.Errorf("Cause should match wrapped cause: %v", cause)
		}
	})

	t.Run("ValidationFailed", func(t *testing.T) {
		err := ValidationFailed("collector.api_key", "missing value")
		if err.Category != CategoryValidation {
			t.Errorf("Category = %v, want %v", err.Category, CategoryValidation)
		}
		if err.Context["field"] != "collector.api_key" {
			t.Errorf("Context[field] = %v, want collector.api_key", err.Context["field"])
		}
		if err.Context["reason"] != "missing value" {
			t.Errorf("Context[reason] = %v, want missing value", err.Context["reason"])
		}
	})
}
