package evaluator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"resume-ranker/internal/types"
)

const (
	minCriteria = 1
	maxCriteria = 5
	minScore    = 0.0
	maxScore    = 10.0
)

var jsonNull = []byte("null")

// ParseEvaluation 从模型回复中提取 JSON 并按评估约定严格校验
// 返回的错误描述具体违反项，会被原样回传给模型用于纠正
func ParseEvaluation(content string) (*types.EvaluationResult, error) {
	processed := strings.TrimSpace(strings.TrimPrefix(content, "\uFEFF"))
	if processed == "" {
		return nil, fmt.Errorf("回复为空")
	}

	jsonStr := extractJSONObject(processed)
	if jsonStr == "" {
		return nil, fmt.Errorf("回复中没有找到JSON对象")
	}
	if !utf8.ValidString(jsonStr) {
		jsonStr = strings.ToValidUTF8(jsonStr, "")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &fields); err != nil {
		// 未转义的内部双引号是最常见的格式问题，修复后再试一次
		if sErr := json.Unmarshal([]byte(sanitizeJSON(jsonStr)), &fields); sErr != nil {
			return nil, fmt.Errorf("JSON解析失败: %v", err)
		}
	}

	return validateFields(fields)
}

func validateFields(fields map[string]json.RawMessage) (*types.EvaluationResult, error) {
	result := &types.EvaluationResult{}

	rawCriteria, ok := fields["criteria"]
	if !ok || isNull(rawCriteria) {
		return nil, fmt.Errorf("缺少 criteria 字段")
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(rawCriteria, &items); err != nil {
		return nil, fmt.Errorf("criteria 必须是对象数组")
	}
	if len(items) < minCriteria || len(items) > maxCriteria {
		return nil, fmt.Errorf("criteria 数量必须在 %d 到 %d 之间, 实际为 %d", minCriteria, maxCriteria, len(items))
	}

	result.Criteria = make([]types.Criterion, 0, len(items))
	for i, item := range items {
		c, err := validateCriterion(item)
		if err != nil {
			return nil, fmt.Errorf("criteria[%d]: %w", i, err)
		}
		result.Criteria = append(result.Criteria, c)
	}

	summary, err := requiredString(fields, "summary")
	if err != nil {
		return nil, err
	}
	result.Summary = summary

	if raw, ok := fields["overall_score"]; ok && !isNull(raw) {
		score, err := numericScore(raw, "overall_score")
		if err != nil {
			return nil, err
		}
		result.OverallScore = &score
	}

	return result, nil
}

func validateCriterion(item map[string]json.RawMessage) (types.Criterion, error) {
	var c types.Criterion
	var err error

	if item == nil {
		return c, fmt.Errorf("必须是对象")
	}
	if c.Skill, err = requiredString(item, "skill"); err != nil {
		return c, err
	}
	raw, ok := item["score"]
	if !ok || isNull(raw) {
		return c, fmt.Errorf("缺少 score 字段")
	}
	if c.Score, err = numericScore(raw, "score"); err != nil {
		return c, err
	}
	if c.Justification, err = requiredString(item, "justification"); err != nil {
		return c, err
	}
	return c, nil
}

func requiredString(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return "", fmt.Errorf("缺少 %s 字段", key)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s 必须是字符串", key)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%s 不能为空", key)
	}
	return s, nil
}

// numericScore 只接受 JSON 数字，字符串形式的 "8" 也视为违规
func numericScore(raw json.RawMessage, key string) (float64, error) {
	var score float64
	if err := json.Unmarshal(raw, &score); err != nil {
		return 0, fmt.Errorf("%s 必须是数字, 实际为 %s", key, string(raw))
	}
	if score < minScore || score > maxScore {
		return 0, fmt.Errorf("%s 必须在 %.0f 到 %.0f 之间, 实际为 %g", key, minScore, maxScore, score)
	}
	return score, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

// extractJSONObject 返回文本中第一个括号配平的 JSON 对象
// 字符串字面量内的花括号不计入层级
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	level := 0
	inStr := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			level++
		case '}':
			level--
			if level == 0 {
				return text[start : i+1]
			}
		}
	}
	return extractBalancedBraces(text[start:])
}

// extractBalancedBraces 忽略引号只数花括号，用于内部引号未转义导致字符串边界错乱的回复
func extractBalancedBraces(text string) string {
	level := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			level++
		case '}':
			level--
			if level == 0 {
				return text[:i+1]
			}
		}
	}
	return ""
}

// sanitizeJSON 将字符串字面量内部未转义的双引号改写为 \"
// 判断依据是引号后的下一个非空白字符是否为 : , ] }
func sanitizeJSON(src string) string {
	var b strings.Builder
	inStr := false
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]

		switch {
		case c == '"' && !escaped:
			if !inStr {
				inStr = true
				b.WriteByte(c)
				break
			}
			j := i + 1
			for j < len(src) && (src[j] == ' ' || src[j] == '\t' || src[j] == '\n' || src[j] == '\r') {
				j++
			}
			if j >= len(src) || src[j] == ':' || src[j] == ',' || src[j] == ']' || src[j] == '}' {
				inStr = false
				b.WriteByte(c)
			} else {
				b.WriteString("\\\"")
			}
			escaped = false
		case c == '\\' && !escaped:
			escaped = true
			b.WriteByte(c)
		default:
			b.WriteByte(c)
			escaped = false
		}
	}

	return b.String()
}
