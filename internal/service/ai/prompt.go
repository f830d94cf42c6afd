package ai

import (
	"fmt"
	"strings"
)

// Mode selects the tutoring style of a reply.
type Mode string

const (
	ModeExplain   Mode = "explain"
	ModeQuiz      Mode = "quiz"
	ModeSummarize Mode = "summarize"
)

// ParseMode 解析请求体中的 mode 字段，未知值回退到 explain。
func ParseMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeQuiz:
		return ModeQuiz
	case ModeSummarize:
		return ModeSummarize
	default:
		return ModeExplain
	}
}

// PromptTemplate defines the structure for study prompts
type PromptTemplate struct {
	SystemPrompt string
	StyleHints   []string
	ContextRules []string
}

// PromptManager manages prompt templates for different modes
type PromptManager struct {
	templates map[Mode]*PromptTemplate
}

// NewPromptManager creates a new prompt manager with default templates
func NewPromptManager() *PromptManager {
	manager := &PromptManager{
		templates: make(map[Mode]*PromptTemplate),
	}
	manager.loadDefaultTemplates()
	return manager
}

// BuildSystemPrompt creates the system prompt for mode
func (pm *PromptManager) BuildSystemPrompt(mode Mode) string {
	template, ok := pm.templates[mode]
	if !ok {
		template = pm.templates[ModeExplain]
	}

	return fmt.Sprintf(`%s

回答风格：
- %s

对话规则：
- %s`,
		template.SystemPrompt,
		strings.Join(template.StyleHints, "\n- "),
		strings.Join(template.ContextRules, "\n- "),
	)
}

func (pm *PromptManager) loadDefaultTemplates() {
	shared := []string{
		"结合之前的对话内容回答，不要重复已经解释过的部分",
		"不确定的内容要明确说明，不要编造",
		"使用用户提问的语言回答",
	}

	pm.templates[ModeExplain] = &PromptTemplate{
		SystemPrompt: "你是一位耐心的学习助手，帮助用户理解他们正在学习的知识点。",
		StyleHints: []string{
			"先给出一句话结论，再逐步展开",
			"必要时举一个简短的例子",
		},
		ContextRules: shared,
	}

	pm.templates[ModeQuiz] = &PromptTemplate{
		SystemPrompt: "你是一位出题老师，通过提问帮助用户检验掌握程度。",
		StyleHints: []string{
			"每次只提一个问题",
			"用户作答后先点评，再给出下一题",
		},
		ContextRules: shared,
	}

	pm.templates[ModeSummarize] = &PromptTemplate{
		SystemPrompt: "你是一位笔记整理助手，把用户给出的材料整理成要点。",
		StyleHints: []string{
			"使用分点列出关键概念",
			"控制在十条以内",
		},
		ContextRules: shared,
	}
}
