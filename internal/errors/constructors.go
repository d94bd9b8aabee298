package errors

// Convenience functions for common error patterns

// Config errors

func ConfigNotFound(path string) *CevastError {
	return New(CategoryConfig, SeverityFatal, "configuration file not found").
		WithContext("path", path)
}

func ConfigRequired(field string) *CevastError {
	return New(CategoryConfig, SeverityFatal, "required configuration missing").
		WithContext("field", field)
}

func ValidationFailed(field, reason string) *CevastError {
	return New(CategoryValidation, SeverityFatal, "validation failed").
		WithContext("field", field).
		WithContext("reason", reason)
}

// Dataset pipeline errors

func DatasetInvalid(reason string) *CevastError {
	return New(CategoryDataset, SeverityFatal, "invalid dataset identifier").
		WithContext("reason", reason)
}

func CollectionFailed(dataset string, cause error) *CevastError {
	return Wrap(cause, CategoryCollect, SeverityFatal, "dataset collection failed").
		WithContext("dataset", dataset)
}

func CollectionRetryable(dataset string, cause error) *CevastError {
	return WrapRetryable(cause, CategoryNetwork, SeverityWarning, "dataset download failed").
		WithContext("dataset", dataset)
}

func UnificationFailed(dataset string, cause error) *CevastError {
	return Wrap(cause, CategoryUnify, SeverityFatal, "dataset unification failed").
		WithContext("dataset", dataset)
}

func AnalysisFailed(dataset string, cause error) *CevastError {
	return Wrap(cause, CategoryAnalysis, SeverityFatal, "dataset analysis failed").
		WithContext("dataset", dataset)
}

// CertDB errors

func CertDBStorage(storage string, cause error) *CevastError {
	return Wrap(cause, CategoryCertDB, SeverityFatal, "certificate storage error").
		WithContext("storage", storage)
}

// Lifecycle errors

func LifecycleStepFailed(operation, step string, cause error) *CevastError {
	return Wrap(cause, CategoryLifecycle, SeverityFatal, "lifecycle step failed").
		WithContext("operation", operation).
		WithContext("step", step)
}

func WorkspaceError(operation string, cause error) *CevastError {
	return Wrap(cause, CategoryFileSystem, SeverityFatal, "workspace operation failed").
		WithContext("operation", operation)
}

// Daemon errors

func DaemonError(message string) *CevastError {
	return New(CategoryDaemon, SeverityError, message)
}
