package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validReply = `{
  "criteria": [
    {"skill": "Python", "score": 9, "justification": "五年 Python 后端经验"},
    {"skill": "REST API", "score": 7.5, "justification": "设计过多个对外接口"}
  ],
  "overall_score": 8,
  "summary": "候选人与后端岗位高度匹配。"
}`

func TestParseEvaluation_Valid(t *testing.T) {
	res, err := ParseEvaluation(validReply)
	require.NoError(t, err)
	require.Len(t, res.Criteria, 2)
	assert.Equal(t, "Python", res.Criteria[0].Skill)
	assert.Equal(t, 7.5, res.Criteria[1].Score)
	assert.Equal(t, "候选人与后端岗位高度匹配。", res.Summary)
	require.NotNil(t, res.OverallScore)
	assert.Equal(t, 8.0, *res.OverallScore)
}

func TestParseEvaluation_ExtractsFromNoise(t *testing.T) {
	noisy := "\uFEFF好的，以下是评估结果：\n```json\n" + validReply + "\n```\n希望有帮助 {不是JSON}"
	res, err := ParseEvaluation(noisy)
	require.NoError(t, err)
	assert.Len(t, res.Criteria, 2)
}

func TestParseEvaluation_BracesInsideStrings(t *testing.T) {
	reply := `{"criteria":[{"skill":"Go {generics}","score":6,"justification":"用过 map[string]struct{}"}],"summary":"尚可 }"}`
	res, err := ParseEvaluation(reply)
	require.NoError(t, err)
	assert.Equal(t, "Go {generics}", res.Criteria[0].Skill)
	assert.Equal(t, "尚可 }", res.Summary)
	assert.Nil(t, res.OverallScore)
}

func TestParseEvaluation_SanitizesInnerQuotes(t *testing.T) {
	reply := `{"criteria":[{"skill":"文案","score":8,"justification":"撰写过"创意"文案"}],"summary":"匹配"}`
	res, err := ParseEvaluation(reply)
	require.NoError(t, err)
	assert.Equal(t, `撰写过"创意"文案`, res.Criteria[0].Justification)
}

func TestParseEvaluation_Violations(t *testing.T) {
	cases := map[string]string{
		"空回复":             "   ",
		"没有JSON":          "无法评估",
		"缺少summary":       `{"criteria":[{"skill":"Go","score":5,"justification":"x"}]}`,
		"summary为空":       `{"criteria":[{"skill":"Go","score":5,"justification":"x"}],"summary":"  "}`,
		"summary为null":     `{"criteria":[{"skill":"Go","score":5,"justification":"x"}],"summary":null}`,
		"缺少criteria":      `{"summary":"ok"}`,
		"criteria为空":      `{"criteria":[],"summary":"ok"}`,
		"criteria过多":      `{"criteria":[{"skill":"a","score":1,"justification":"x"},{"skill":"b","score":1,"justification":"x"},{"skill":"c","score":1,"justification":"x"},{"skill":"d","score":1,"justification":"x"},{"skill":"e","score":1,"justification":"x"},{"skill":"f","score":1,"justification":"x"}],"summary":"ok"}`,
		"criteria不是数组":    `{"criteria":"Go","summary":"ok"}`,
		"缺少skill":         `{"criteria":[{"score":5,"justification":"x"}],"summary":"ok"}`,
		"缺少score":         `{"criteria":[{"skill":"Go","justification":"x"}],"summary":"ok"}`,
		"score为字符串":       `{"criteria":[{"skill":"Go","score":"8","justification":"x"}],"summary":"ok"}`,
		"score超出范围":       `{"criteria":[{"skill":"Go","score":11,"justification":"x"}],"summary":"ok"}`,
		"score为负数":        `{"criteria":[{"skill":"Go","score":-1,"justification":"x"}],"summary":"ok"}`,
		"缺少justification": `{"criteria":[{"skill":"Go","score":5}],"summary":"ok"}`,
		"overall超出范围":     `{"criteria":[{"skill":"Go","score":5,"justification":"x"}],"summary":"ok","overall_score":42}`,
		"overall非数字":      `{"criteria":[{"skill":"Go","score":5,"justification":"x"}],"summary":"ok","overall_score":"high"}`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := ParseEvaluation(reply)
			assert.Error(t, err)
			assert.Nil(t, res)
		})
	}
}

func TestParseEvaluation_BoundaryScores(t *testing.T) {
	res, err := ParseEvaluation(`{"criteria":[{"skill":"a","score":0,"justification":"x"},{"skill":"b","score":10,"justification":"y"}],"summary":"ok","overall_score":null}`)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Criteria[0].Score)
	assert.Equal(t, 10.0, res.Criteria[1].Score)
	assert.Nil(t, res.OverallScore)
}

func TestExtractJSONObject(t *testing.T) {
	assert.Equal(t, "", extractJSONObject("no braces"))
	assert.Equal(t, `{"a":{"b":1}}`, extractJSONObject(`prefix {"a":{"b":1}} suffix`))
	assert.Equal(t, "", extractJSONObject(`{"a":1`))
}
