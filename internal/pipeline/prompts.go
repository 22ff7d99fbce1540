package pipeline

import (
	"fmt"
	"strings"
	"time"

	"desk-assist-go/internal/config"
	"desk-assist-go/internal/model"
)

const defaultSystemPrompt = `Ты вежливый и точный ассистент службы поддержки. Отвечай на языке клиента.
Опирайся на найденный контекст и историю чата. Если в контексте нет ответа, честно скажи об этом и предложи связаться с менеджером.
Не придумывай цены, сроки и условия, которых нет в контексте.`

const defaultStripGreetingPrompt = `Ты текстовый фильтр. Удали приветствия в начале текста (например 'Здравствуйте', 'Добрый день', 'Привет' и т.п.). Не добавляй ничего взамен. Не объясняй свои действия. Верни только очищенный текст.
Не используй звёздочки в любом виде: никаких **жирных**, *курсива* и обрамления текста звёздочками. Для списков применяй нумерацию «1., 2.» или тире «-».`

const defaultAddGreetingPrompt = `Ты текстовый фильтр. Если в тексте нет приветствия, добавь одно короткое уместное приветствие в начале (например 'Здравствуйте!'), затем оставь текст без изменений. Не объясняй свои действия. Верни только финальный текст.
Не используй звёздочки в любом виде: никаких **жирных**, *курсива* и обрамления текста звёздочками. Для списков применяй нумерацию «1., 2.» или тире «-».`

const defaultEscalationPrompt = `Проанализируй запрос клиента. Верни "response_required": true, если для ответа нужен реальный человек, и false, если ИИ может ответить самостоятельно по доступным данным.
Важно:
1. Если вопрос связан с тарифами, пакетами или стоимостью услуг, всегда возвращай "response_required": true, даже если в базе знаний есть данные.
2. Ответ строго в формате JSON: {"response_required": true}`

const defaultClassificationPrompt = `Ты классификатор чата. Отвечай строго валидным JSON без пояснений.
Определи список релевантных меток (labels) по сообщениям чата и найденным в базе знаний меткам.
Определи группу (group):
- если клиент новый или взаимодействует меньше 2 месяцев, верни Success_ID;
- если клиент не новый и взаимодействует больше 2 месяцев, верни Support_ID.
Используй только указанные ID меток и групп. Формат: {"labels": [1, 2], "group": "96756"}`

// Prompts 是各阶段的系统提示词。
type Prompts struct {
	System         string
	StripGreeting  string
	AddGreeting    string
	Escalation     string
	Classification string
}

// PromptsFromConfig 用配置覆盖内置提示词，空字段保留默认值。
func PromptsFromConfig(cfg config.PromptConfig) Prompts {
	p := Prompts{
		System:         defaultSystemPrompt,
		StripGreeting:  defaultStripGreetingPrompt,
		AddGreeting:    defaultAddGreetingPrompt,
		Escalation:     defaultEscalationPrompt,
		Classification: defaultClassificationPrompt,
	}
	if cfg.System != "" {
		p.System = cfg.System
	}
	if cfg.StripGreeting != "" {
		p.StripGreeting = cfg.StripGreeting
	}
	if cfg.AddGreeting != "" {
		p.AddGreeting = cfg.AddGreeting
	}
	if cfg.Escalation != "" {
		p.Escalation = cfg.Escalation
	}
	if cfg.Classification != "" {
		p.Classification = cfg.Classification
	}
	return p
}

// formatTranscript 把历史消息渲染为 "User(时间): 文本" / "Bot: 回复" 的逐行记录。
func formatTranscript(history []model.Message, loc *time.Location) string {
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "User(%s): %s\n", model.FormatLocal(m.CreatedAt, loc), m.Text)
		if m.Response != "" {
			fmt.Fprintf(&b, "Bot: %s\n", m.Response)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatContext(hits []model.SearchHit) string {
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. %s", i+1, h.Text)
		if h.Label != "" {
			fmt.Fprintf(&b, " [%s]", h.Label)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func buildGenerationPrompt(transcript, retrieved, query, now string) string {
	return fmt.Sprintf(`--- Chat History (last messages) ---
%s

--- Retrieved Context (top results) ---
%s

--- User Query (current message) ---
User(%s): %s`, transcript, retrieved, now, query)
}

func buildEscalationPrompt(transcript, query, response, now string) string {
	return fmt.Sprintf(`--- История чата ---
%s

--- Запрос клиента (текущее сообщение) ---
Пользователь(%s): %s

--- Ответ ИИ ---
%s`, transcript, now, query, response)
}

func buildClassificationPrompt(history []model.Message, hints []string, labels []config.LabelConfig, successID, supportID string) string {
	var msgs strings.Builder
	for _, m := range history {
		fmt.Fprintf(&msgs, "User message: %s\nBot response: %s\n", m.Text, m.Response)
	}
	var catalog strings.Builder
	for _, l := range labels {
		fmt.Fprintf(&catalog, "%d: %s\n", l.ID, l.Name)
	}
	return fmt.Sprintf(`Сообщения чата:
%s
Метки, найденные в базе знаний:
%s

Список доступных меток:
%s
Список доступных групп:
Success_ID = %s
Support_ID = %s`, msgs.String(), strings.Join(hints, ", "), catalog.String(), successID, supportID)
}
