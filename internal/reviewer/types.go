package reviewer

// Request 는 외부 리뷰어에게 전달하는 리뷰 요청이다.
type Request struct {
	SubmissionID string `json:"submissionId"`
	Model        string `json:"model"`
	Prompt       string `json:"prompt"`
}

// Result 는 외부 리뷰어의 응답이다.
// Payload 는 이 파이프라인에서 해석하지 않는 불투명한 리뷰 본문이다.
type Result struct {
	Payload      string `json:"payload"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}
