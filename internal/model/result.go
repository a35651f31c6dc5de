package model

// Result is the outcome recorded on a build or reported for an item.
type Result string

const (
	ResultSuccess       Result = "SUCCESS"
	ResultFailure       Result = "FAILURE"
	ResultSkipped       Result = "SKIPPED"
	ResultCanceled      Result = "CANCELED"
	ResultAborted       Result = "ABORTED"
	ResultNodeFailure   Result = "NODE_FAILURE"
	ResultRetryLimit    Result = "RETRY_LIMIT"
	ResultTimedOut      Result = "TIMED_OUT"
	ResultError         Result = "ERROR"
	ResultConfigError   Result = "CONFIG_ERROR"
	ResultMergerFailure Result = "MERGER_FAILURE"
	ResultNoJobs        Result = "NO_JOBS"
)

// Failed reports whether a build finished with anything other than
// SUCCESS or SKIPPED. An empty result is not failed: the build is still
// running.
func (r Result) Failed() bool {
	return r != "" && r != ResultSuccess && r != ResultSkipped
}
