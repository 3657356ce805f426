package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"photosearch/config"
	"photosearch/internal/domain"
	"photosearch/internal/logging"
	"photosearch/internal/port"
)

const dateLayout = "2006-01-02"

var (
	_ port.PhraseExpander = (*LLMExpander)(nil)
	_ port.PhraseExpander = (*KeywordExpander)(nil)
)

const expansionSystemPrompt = `You turn photo search requests into input for an image-text embedding model.
Reply with a JSON object and nothing else:
{"phrases": ["..."], "city": "...", "start": "YYYY-MM-DD", "end": "YYYY-MM-DD"}
- phrases: 1 to %d short visual descriptions of what the photos show, in English.
  Leave out places and dates; they belong in the other fields.
- city: the city the user asked for, or "" when none.
- start, end: the inclusive date range the user asked for, or "" when open.
Today is %s.`

// LLMExpander asks a chat model to split a query into visual phrases and
// filters.
type LLMExpander struct {
	client     *openai.Client
	model      string
	maxPhrases int
	loc        *time.Location
	now        func() time.Time
	log        *zap.Logger
}

func NewLLMExpander(cfg config.ExpansionConfig, log *zap.Logger) (*LLMExpander, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, errors.Errorf("API key not found in environment variable: %s", cfg.APIKeyEnv)
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	maxPhrases := cfg.MaxPhrases
	if maxPhrases <= 0 {
		maxPhrases = 4
	}

	return &LLMExpander{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		maxPhrases: maxPhrases,
		loc:        time.Local,
		now:        time.Now,
		log:        logging.OrNop(log),
	}, nil
}

func (e *LLMExpander) Expand(ctx context.Context, text string) (domain.Expansion, error) {
	start := time.Now()
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf(expansionSystemPrompt, e.maxPhrases, e.now().In(e.loc).Format(dateLayout)),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return domain.Expansion{}, errors.Wrap(err, "expansion request")
	}
	if len(resp.Choices) == 0 {
		return domain.Expansion{}, errors.New("empty response from LLM")
	}

	content := resp.Choices[0].Message.Content
	exp, err := ParseExpansion(content, e.loc)
	if err != nil {
		e.log.Debug("unparseable expansion", zap.String("content", content), zap.Error(err))
		return domain.Expansion{}, err
	}
	e.log.Debug("query expanded",
		zap.String("query", text),
		zap.Strings("phrases", exp.Phrases),
		zap.Duration("latency", time.Since(start)),
		zap.Int("tokens", resp.Usage.TotalTokens))
	return exp, nil
}

var codeFence = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// ParseExpansion decodes a JSON expansion. Dates are whole days in loc; the
// end date includes its last millisecond.
func ParseExpansion(content string, loc *time.Location) (domain.Expansion, error) {
	content = strings.TrimSpace(content)
	if m := codeFence.FindStringSubmatch(content); len(m) > 1 {
		content = m[1]
	}

	var raw struct {
		Phrases []string `json:"phrases"`
		City    string   `json:"city"`
		Start   string   `json:"start"`
		End     string   `json:"end"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return domain.Expansion{}, errors.Wrap(err, "decode expansion")
	}

	var exp domain.Expansion
	for _, p := range raw.Phrases {
		if p = strings.TrimSpace(p); p != "" {
			exp.Phrases = append(exp.Phrases, p)
		}
	}
	if len(exp.Phrases) == 0 {
		return domain.Expansion{}, errors.New("expansion has no phrases")
	}
	if city := strings.TrimSpace(raw.City); city != "" {
		exp.City = &city
	}

	if loc == nil {
		loc = time.Local
	}
	var tr domain.TimeRange
	if raw.Start != "" {
		t, err := time.ParseInLocation(dateLayout, raw.Start, loc)
		if err != nil {
			return domain.Expansion{}, errors.Wrap(err, "expansion start")
		}
		ms := t.UnixMilli()
		tr.Start = &ms
	}
	if raw.End != "" {
		t, err := time.ParseInLocation(dateLayout, raw.End, loc)
		if err != nil {
			return domain.Expansion{}, errors.Wrap(err, "expansion end")
		}
		ms := t.AddDate(0, 0, 1).UnixMilli() - 1
		tr.End = &ms
	}
	if tr.Start != nil || tr.End != nil {
		exp.TimeRange = &tr
	}
	return exp, nil
}

// KeywordExpander expands queries offline with a fixed photo vocabulary and
// recognizes a standalone year as a time range.
type KeywordExpander struct {
	maxPhrases int
	loc        *time.Location
}

func NewKeywordExpander(maxPhrases int) *KeywordExpander {
	if maxPhrases <= 0 {
		maxPhrases = 4
	}
	return &KeywordExpander{maxPhrases: maxPhrases, loc: time.Local}
}

var photoSynonyms = map[string][]string{
	"beach":    {"sandy beach by the sea", "ocean shore"},
	"sea":      {"ocean waves", "seaside"},
	"sunset":   {"sunset sky", "golden hour"},
	"sunrise":  {"sunrise sky", "dawn"},
	"mountain": {"mountain landscape", "hiking trail"},
	"snow":     {"snowy landscape", "winter"},
	"dog":      {"a photo of a dog", "puppy"},
	"cat":      {"a photo of a cat", "kitten"},
	"food":     {"a plate of food", "meal on a table"},
	"party":    {"people celebrating", "birthday party"},
	"city":     {"city street", "skyline"},
	"night":    {"night scene", "city lights at night"},
	"forest":   {"trees in a forest", "woods"},
	"car":      {"a photo of a car", "road trip"},
	"baby":     {"a photo of a baby", "toddler"},
	"flower":   {"flowers in bloom", "garden"},
	"document": {"a photo of a document", "receipt"},
	"selfie":   {"a selfie", "portrait of a person"},
}

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

func (e *KeywordExpander) Expand(ctx context.Context, text string) (domain.Expansion, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Expansion{}, errors.New("empty query")
	}

	phrase := text
	var exp domain.Expansion
	if m := yearPattern.FindString(text); m != "" {
		year, _ := strconv.Atoi(m)
		start := time.Date(year, 1, 1, 0, 0, 0, 0, e.loc).UnixMilli()
		end := time.Date(year+1, 1, 1, 0, 0, 0, 0, e.loc).UnixMilli() - 1
		exp.TimeRange = &domain.TimeRange{Start: &start, End: &end}
		phrase = strings.Join(strings.Fields(yearPattern.ReplaceAllString(text, "")), " ")
		if phrase == "" {
			phrase = text
		}
	}

	exp.Phrases = []string{phrase}
	lower := strings.ToLower(phrase)
	for _, word := range strings.Fields(lower) {
		word = strings.TrimSuffix(word, "s")
		for _, syn := range photoSynonyms[word] {
			if len(exp.Phrases) >= e.maxPhrases {
				return exp, nil
			}
			if syn != lower {
				exp.Phrases = append(exp.Phrases, syn)
			}
		}
	}
	return exp, nil
}
