package config

import "testing"

func validConfig() Config {
	return Config{
		HTTP: HTTPConfig{Port: 8080},
		Database: DatabaseConfig{
			Addrs: []string{"localhost:6379"},
		},
	}
}

func TestValidate_InvalidBudgetAction(t *testing.T) {
	cfg := validConfig()
	cfg.Retrieval.Rerank.Strategy = "score_based"
	cfg.Chunking.Strategy = "sentence"
	cfg.Embedding = EmbeddingConfig{
		Providers: map[string]ProviderConfig{
			"openai": {
				APIKey:  "test-key",
				BaseURL: "https://api.example.com/v1/",
				Budget: BudgetConfig{
					DailyTokenLimit: 1000000,
					Action:          "invalid_action",
				},
			},
		},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid budget action")
	}

	expected := `embedding.providers.openai.budget.action must be "warn" or "reject", got "invalid_action"`
	if err.Error() != expected {
		t.Errorf("unexpected error message:\ngot:  %q\nwant: %q", err.Error(), expected)
	}
}

func TestValidate_ValidBudgetActions(t *testing.T) {
	validActions := []string{"", "warn", "reject"}

	for _, action := range validActions {
		t.Run("action="+action, func(t *testing.T) {
			cfg := validConfig()
			cfg.ApplyDefaults()
			cfg.Embedding = EmbeddingConfig{
				Providers: map[string]ProviderConfig{
					"openai": {
						APIKey: "test-key",
						Budget: BudgetConfig{Action: action},
					},
				},
			}

			if err := cfg.Validate(); err != nil {
				t.Fatalf("unexpected error for valid action %q: %v", action, err)
			}
		})
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := validConfig()
	cfg.ApplyDefaults()
	cfg.HTTP.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestValidate_MissingDatabaseAddrs(t *testing.T) {
	cfg := validConfig()
	cfg.ApplyDefaults()
	cfg.Database.Addrs = nil

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing database addrs")
	}
}

func TestValidate_UnknownDefaultVectorizer(t *testing.T) {
	cfg := validConfig()
	cfg.ApplyDefaults()
	cfg.Embedding.DefaultVectorizer = "missing"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for undefined default vectorizer")
	}
}

func TestValidate_VectorizerReferencesUnknownProvider(t *testing.T) {
	cfg := validConfig()
	cfg.ApplyDefaults()
	cfg.Embedding = EmbeddingConfig{
		Vectorizers: map[string]VectorizerConfig{
			"default": {Provider: "ghost", Model: "text-embedding-3-small"},
		},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for vectorizer with unknown provider")
	}
}

func TestValidate_InvalidRerankStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.ApplyDefaults()
	cfg.Retrieval.Rerank.Strategy = "llm_magic"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown rerank strategy")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 10 {
		t.Errorf("expected ReadTimeoutSec=10, got %d", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.HTTP.ShutdownSec != 10 {
		t.Errorf("expected ShutdownSec=10, got %d", cfg.HTTP.ShutdownSec)
	}
	if cfg.Database.ReadinessTimeout != 10 {
		t.Errorf("expected ReadinessTimeout=10, got %d", cfg.Database.ReadinessTimeout)
	}
	if cfg.VectorStore.Collection != "lodestone_chunks" {
		t.Errorf("expected default collection, got %q", cfg.VectorStore.Collection)
	}
	if cfg.Retrieval.TopK != 10 {
		t.Errorf("expected TopK=10, got %d", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.LexicalWeight != 0.3 || cfg.Retrieval.VectorWeight != 0.7 {
		t.Errorf("expected default weight split, got %f/%f",
			cfg.Retrieval.LexicalWeight, cfg.Retrieval.VectorWeight)
	}
	if cfg.Retrieval.MMR.Lambda != 0.7 {
		t.Errorf("expected Lambda=0.7, got %f", cfg.Retrieval.MMR.Lambda)
	}
	if !cfg.Chunking.IsZero() {
		t.Errorf("chunking must stay unset so the per-type profiles apply, got %+v", cfg.Chunking)
	}
	if cfg.Resilience.FailureThreshold != 5 {
		t.Errorf("expected FailureThreshold=5, got %d", cfg.Resilience.FailureThreshold)
	}
	if cfg.Resilience.MaxDelayMs != 2000 {
		t.Errorf("expected MaxDelayMs=2000, got %d", cfg.Resilience.MaxDelayMs)
	}
	if cfg.Resilience.CallTimeoutSec != 10 {
		t.Errorf("expected CallTimeoutSec=10, got %d", cfg.Resilience.CallTimeoutSec)
	}
}

func TestApplyDefaults_NoOverride(t *testing.T) {
	cfg := Config{
		HTTP:     HTTPConfig{ReadTimeoutSec: 30, WriteTimeoutSec: 60, ShutdownSec: 5},
		Database: DatabaseConfig{ReadinessTimeout: 15},
		Retrieval: RetrievalConfig{
			TopK:          25,
			LexicalWeight: 0.5,
			VectorWeight:  0.5,
			MMR:           MMRConfig{Lambda: 0.4},
		},
		Resilience: ResilienceConfig{CallTimeoutSec: 30},
	}
	cfg.ApplyDefaults()

	if cfg.HTTP.ReadTimeoutSec != 30 {
		t.Errorf("expected ReadTimeoutSec=30, got %d", cfg.HTTP.ReadTimeoutSec)
	}
	if cfg.HTTP.WriteTimeoutSec != 60 {
		t.Errorf("expected WriteTimeoutSec=60, got %d", cfg.HTTP.WriteTimeoutSec)
	}
	if cfg.Retrieval.TopK != 25 {
		t.Errorf("expected TopK=25, got %d", cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.LexicalWeight != 0.5 {
		t.Errorf("expected LexicalWeight=0.5, got %f", cfg.Retrieval.LexicalWeight)
	}
	if cfg.Retrieval.MMR.Lambda != 0.4 {
		t.Errorf("expected Lambda=0.4, got %f", cfg.Retrieval.MMR.Lambda)
	}
	if cfg.Resilience.CallTimeoutSec != 30 {
		t.Errorf("expected CallTimeoutSec=30, got %d", cfg.Resilience.CallTimeoutSec)
	}
}
