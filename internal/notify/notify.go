// Package notify delivers short, localized success and failure messages to
// the user. Messages never carry raw error text.
package notify

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Level string

const (
	Success Level = "success"
	Failure Level = "error"
)

// MessageID identifies a message in the catalog.
type MessageID string

const (
	KeywordAnalysisFailed MessageID = "keyword_analysis_failed"
	AnalysisCompleted     MessageID = "analysis_completed"
	ClusterGroupFailed    MessageID = "cluster_group_failed"
	ClustersCreated       MessageID = "clusters_created"
	ClusteringFailed      MessageID = "clustering_failed"
	SerpFetchFailed       MessageID = "serp_fetch_failed"
	NoProjectSelected     MessageID = "no_project_selected"
	NoKeywordsInProject   MessageID = "no_keywords_in_project"
	KeywordsLoadFailed    MessageID = "keywords_load_failed"
	KeywordsImported      MessageID = "keywords_imported"
	UserStatusUpdated     MessageID = "user_status_updated"
	LoginSucceeded        MessageID = "login_succeeded"
	RegisterSucceeded     MessageID = "register_succeeded"
	ModelUpdated          MessageID = "model_updated"
	TrendsUpdated         MessageID = "trends_updated"
)

// DefaultLanguage is used when a language has no catalog.
const DefaultLanguage = "pt"

var catalog = map[string]map[MessageID]string{
	"pt": {
		KeywordAnalysisFailed: "Erro ao analisar keyword \"%s\"",
		AnalysisCompleted:     "Análise concluída: %d de %d keywords",
		ClusterGroupFailed:    "Erro ao classificar o grupo \"%s\"",
		ClustersCreated:       "%d clusters criados com sucesso",
		ClusteringFailed:      "Erro ao criar clusters",
		SerpFetchFailed:       "Erro ao obter dados SERP",
		NoProjectSelected:     "Nenhum projeto selecionado",
		NoKeywordsInProject:   "Nenhuma keyword encontrada no projeto",
		KeywordsLoadFailed:    "Erro ao carregar keywords",
		KeywordsImported:      "%d keywords importadas",
		UserStatusUpdated:     "Estado do utilizador atualizado para %s",
		LoginSucceeded:        "Login efetuado com sucesso",
		RegisterSucceeded:     "Registo efetuado com sucesso. Aguarde aprovação.",
		ModelUpdated:          "Modelo AI atualizado",
		TrendsUpdated:         "%d keywords em tendência",
	},
	"en": {
		KeywordAnalysisFailed: "Failed to analyze keyword \"%s\"",
		AnalysisCompleted:     "Analysis finished: %d of %d keywords",
		ClusterGroupFailed:    "Failed to classify group \"%s\"",
		ClustersCreated:       "%d clusters created",
		ClusteringFailed:      "Failed to create clusters",
		SerpFetchFailed:       "Failed to fetch search results",
		NoProjectSelected:     "No project selected",
		NoKeywordsInProject:   "No keywords found in project",
		KeywordsLoadFailed:    "Failed to load keywords",
		KeywordsImported:      "%d keywords imported",
		UserStatusUpdated:     "User status updated to %s",
		LoginSucceeded:        "Logged in",
		RegisterSucceeded:     "Registration received. Wait for approval.",
		ModelUpdated:          "AI model updated",
		TrendsUpdated:         "%d trending keywords",
	},
}

// Localize renders message id in lang, falling back to DefaultLanguage.
func Localize(lang string, id MessageID, args ...any) string {
	msgs, ok := catalog[lang]
	if !ok {
		msgs = catalog[DefaultLanguage]
	}
	format, ok := msgs[id]
	if !ok {
		format, ok = catalog[DefaultLanguage][id]
		if !ok {
			return string(id)
		}
	}
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// Notification is one rendered message.
type Notification struct {
	Level   Level     `json:"level"`
	ID      MessageID `json:"id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier is the user-facing notification channel.
type Notifier interface {
	Notify(level Level, id MessageID, args ...any)
}

// Discard drops every notification.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(Level, MessageID, ...any) {}

// Writer prints notifications as single lines to w and logs them.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	lang   string
	logger *zap.Logger
}

// NewWriter creates a Writer. A nil logger disables logging.
func NewWriter(w io.Writer, lang string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{w: w, lang: lang, logger: logger}
}

func (n *Writer) Notify(level Level, id MessageID, args ...any) {
	msg := Localize(n.lang, id, args...)
	if level == Failure {
		n.logger.Warn("notification", zap.String("id", string(id)), zap.String("message", msg))
	} else {
		n.logger.Debug("notification", zap.String("id", string(id)), zap.String("message", msg))
	}
	if n.w == nil {
		return
	}

	marker := "✓"
	if level == Failure {
		marker = "✗"
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.w, "%s %s\n", marker, msg)
}

// Collector keeps the most recent notifications in memory.
type Collector struct {
	mu    sync.Mutex
	lang  string
	limit int
	items []Notification
	now   func() time.Time
}

// NewCollector keeps at most limit notifications; limit <= 0 keeps all.
func NewCollector(lang string, limit int) *Collector {
	return &Collector{lang: lang, limit: limit, now: time.Now}
}

func (c *Collector) Notify(level Level, id MessageID, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, Notification{
		Level:   level,
		ID:      id,
		Message: Localize(c.lang, id, args...),
		At:      c.now(),
	})
	if c.limit > 0 && len(c.items) > c.limit {
		c.items = c.items[len(c.items)-c.limit:]
	}
}

// Items returns the collected notifications, oldest first.
func (c *Collector) Items() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, len(c.items))
	copy(out, c.items)
	return out
}

// Failures returns only failure notifications.
func (c *Collector) Failures() []Notification {
	var out []Notification
	for _, n := range c.Items() {
		if n.Level == Failure {
			out = append(out, n)
		}
	}
	return out
}

// Multi forwards each notification to all notifiers.
func Multi(notifiers ...Notifier) Notifier {
	return multi(notifiers)
}

type multi []Notifier

func (m multi) Notify(level Level, id MessageID, args ...any) {
	for _, n := range m {
		if n != nil {
			n.Notify(level, id, args...)
		}
	}
}
