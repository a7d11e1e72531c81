// Package status: 리뷰 작업의 상태 머신 저장소와 폴링 프로토콜을 제공한다.
// 종단 상태(REVIEWED, ERROR)로의 전이 이후에는 어떤 갱신도 허용하지 않는다.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"

	cerrors "github.com/jmlee-dev/review-pipeline-go/internal/errors"
	"github.com/jmlee-dev/review-pipeline-go/internal/valkeyx"
)

// ErrNotFound 는 해당 submission의 상태가 존재하지 않을 때 반환된다.
var ErrNotFound = errors.New("status not found")

const (
	fieldState    = "state"
	fieldProgress = "progress"
	fieldUpdated  = "updated_at"
)

// setStateLua: 종단 상태 가드를 포함한 상태 전이 스크립트.
// 현재 상태가 REVIEWED/ERROR 이면 아무것도 바꾸지 않고 0을 반환한다.
const setStateLua = `
local current = redis.call('HGET', KEYS[1], 'state')
if current == 'REVIEWED' or current == 'ERROR' then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'progress', ARGV[2], 'updated_at', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`

// Store 는 Valkey 해시에 상태/진행률을 저장한다.
type Store struct {
	client    valkey.Client
	logger    *slog.Logger
	statusTTL time.Duration
	resultTTL time.Duration

	scriptMu    sync.Mutex
	setStateSHA string
}

// NewStore 는 상태 저장소를 생성한다.
func NewStore(client valkey.Client, logger *slog.Logger, statusTTL, resultTTL time.Duration) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:    client,
		logger:    logger,
		statusTTL: statusTTL,
		resultTTL: resultTTL,
	}
}

func (s *Store) loadSetStateScript(ctx context.Context) (string, error) {
	s.scriptMu.Lock()
	defer s.scriptMu.Unlock()

	if s.setStateSHA != "" {
		return s.setStateSHA, nil
	}

	cmd := s.client.B().ScriptLoad().Script(setStateLua).Build()
	sha, err := s.client.Do(ctx, cmd).ToString()
	if err != nil {
		return "", fmt.Errorf("load set-state script: %w", err)
	}
	s.setStateSHA = sha
	return sha, nil
}

func (s *Store) clearScriptCache() {
	s.scriptMu.Lock()
	defer s.scriptMu.Unlock()
	s.setStateSHA = ""
}

// SetState 는 상태 전이를 시도한다. REVIEWED 전이 시 진행률은 항상 100으로 고정된다.
// 종단 상태에서의 전이 시도는 무시되며 false를 반환한다.
func (s *Store) SetState(ctx context.Context, submissionID string, state State, progress int) (bool, error) {
	if state == StateReviewed {
		progress = 100
	}

	sha, err := s.loadSetStateScript(ctx)
	if err != nil {
		return false, cerrors.RedisError{Operation: "status_script_load", Err: err}
	}

	cmd := s.client.B().Evalsha().Sha1(sha).Numkeys(1).Key(statusKey(submissionID)).Arg(
		string(state),
		strconv.Itoa(progress),
		time.Now().UTC().Format(time.RFC3339),
		strconv.FormatInt(int64(s.statusTTL.Seconds()), 10),
	).Build()

	applied, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		if valkeyx.IsNoScript(err) {
			s.clearScriptCache()
			return s.SetState(ctx, submissionID, state, progress)
		}
		return false, cerrors.RedisError{Operation: "status_set_state", Err: err}
	}

	if applied == 0 {
		s.logger.Debug("status_transition_blocked",
			"submission_id", submissionID, "attempted_state", string(state))
		return false, nil
	}
	return true, nil
}

// Get 는 현재 상태를 조회한다. 기록이 없으면 ErrNotFound를 반환한다.
func (s *Store) Get(ctx context.Context, submissionID string) (Status, error) {
	cmd := s.client.B().Hgetall().Key(statusKey(submissionID)).Build()
	fields, err := s.client.Do(ctx, cmd).AsStrMap()
	if err != nil {
		return Status{}, cerrors.RedisError{Operation: "status_get", Err: err}
	}
	if len(fields) == 0 {
		return Status{}, ErrNotFound
	}

	progress, _ := strconv.Atoi(fields[fieldProgress])
	return Status{
		State:    State(fields[fieldState]),
		Progress: progress,
	}, nil
}

// StoreResult 는 완료된 리뷰 본문을 TTL과 함께 저장한다.
func (s *Store) StoreResult(ctx context.Context, submissionID string, payload string) error {
	cmd := s.client.B().Set().Key(resultKey(submissionID)).
		Value(payload).Ex(s.resultTTL).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return cerrors.RedisError{Operation: "result_store", Err: err}
	}
	return nil
}

// FetchResult 는 리뷰 본문을 조회한다. 없으면 ErrNotFound를 반환한다.
func (s *Store) FetchResult(ctx context.Context, submissionID string) (string, error) {
	cmd := s.client.B().Get().Key(resultKey(submissionID)).Build()
	payload, err := s.client.Do(ctx, cmd).ToString()
	if err != nil {
		if valkeyx.IsNil(err) {
			return "", ErrNotFound
		}
		return "", cerrors.RedisError{Operation: "result_fetch", Err: err}
	}
	return payload, nil
}
