package status

import "github.com/jmlee-dev/review-pipeline-go/internal/valkeyx"

const (
	statusKeyPrefix = "review:status"
	resultKeyPrefix = "review:result"
)

func statusKey(submissionID string) string {
	return valkeyx.BuildKey(statusKeyPrefix, submissionID)
}

func resultKey(submissionID string) string {
	return valkeyx.BuildKey(resultKeyPrefix, submissionID)
}
