// Package pricing: 모델별 단가 테이블을 정의한다.
// 임베딩된 YAML 문서에서 로드되며 런타임에는 불변이다.
package pricing

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var modelsYAML []byte

const tokensPerMillion = 1_000_000.0

// ModelPricing: 단일 모델의 토큰 단가 정보
type ModelPricing struct {
	DisplayName        string
	Category           string
	InputRatePerToken  float64
	OutputRatePerToken float64
}

// Table: 모델 식별자 → 단가 매핑. 생성 후 수정되지 않는다.
type Table struct {
	models map[string]ModelPricing
}

type yamlModel struct {
	DisplayName         string  `yaml:"display_name"`
	Category            string  `yaml:"category"`
	InputUSDPerMillion  float64 `yaml:"input_usd_per_million"`
	OutputUSDPerMillion float64 `yaml:"output_usd_per_million"`
}

type yamlDoc struct {
	Models map[string]yamlModel `yaml:"models"`
}

// NewTable: 주어진 매핑으로 단가 테이블을 생성합니다. (테스트/커스텀 테이블용)
func NewTable(models map[string]ModelPricing) *Table {
	copied := make(map[string]ModelPricing, len(models))
	for id, p := range models {
		copied[strings.TrimSpace(id)] = p
	}
	return &Table{models: copied}
}

// LoadDefault: 임베딩된 YAML에서 기본 단가 테이블을 로드합니다.
func LoadDefault() (*Table, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(modelsYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse pricing yaml failed: %w", err)
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("pricing yaml has no models")
	}

	models := make(map[string]ModelPricing, len(doc.Models))
	for id, m := range doc.Models {
		if m.InputUSDPerMillion < 0 || m.OutputUSDPerMillion < 0 {
			return nil, fmt.Errorf("negative rate for model %s", id)
		}
		models[strings.TrimSpace(id)] = ModelPricing{
			DisplayName:        m.DisplayName,
			Category:           m.Category,
			InputRatePerToken:  m.InputUSDPerMillion / tokensPerMillion,
			OutputRatePerToken: m.OutputUSDPerMillion / tokensPerMillion,
		}
	}
	return &Table{models: models}, nil
}

// Lookup: 모델 식별자로 단가를 조회합니다.
func (t *Table) Lookup(model string) (ModelPricing, bool) {
	p, ok := t.models[strings.TrimSpace(model)]
	return p, ok
}

// Models: 등록된 모델 식별자 목록을 반환합니다.
func (t *Table) Models() []string {
	ids := make([]string, 0, len(t.models))
	for id := range t.models {
		ids = append(ids, id)
	}
	return ids
}
