package status

// State 는 리뷰 작업의 진행 상태이다.
// PENDING → REVIEWING → {REVIEWED | ERROR} 순서로만 전이되며 종단 상태는 불변이다.
type State string

const (
	StatePending   State = "PENDING"
	StateReviewing State = "REVIEWING"
	StateReviewed  State = "REVIEWED"
	StateError     State = "ERROR"
)

// IsTerminal: 종단 상태(REVIEWED, ERROR) 여부를 확인한다.
func (s State) IsTerminal() bool {
	return s == StateReviewed || s == StateError
}

// Status 는 폴링 응답 본문이다.
type Status struct {
	State    State `json:"status"`
	Progress int   `json:"progress"`
}
