package domain

// Закрытый набор категорий. Классификатор может вернуть только одно из этих значений.
const (
	CategoryNewModel        = "new-model"
	CategoryModelUpgrade    = "model-upgrade"
	CategoryModality        = "modality"
	CategoryFineTuning      = "fine-tuning"
	CategoryInference       = "inference"
	CategoryPricing         = "pricing"
	CategoryRateLimits      = "rate-limits"
	CategoryDeprecation     = "deprecation"
	CategorySDK             = "sdk"
	CategoryAPIChange       = "api-change"
	CategoryAgentFramework  = "agent-framework"
	CategoryToolIntegration = "tool-integration"
	CategoryRAG             = "rag"
	CategoryEmbeddings      = "embeddings"
	CategoryEvals           = "evals"
	CategoryDatasets        = "datasets"
	CategorySafety          = "safety"
	CategoryPolicy          = "policy"
	CategorySecurity        = "security"
	CategoryPrivacy         = "privacy"
	CategoryOpenSource      = "open-source"
	CategoryDevProducts     = "dev-products"
	CategoryEnterprise      = "enterprise"
	CategoryEdge            = "edge"
	CategoryHardware        = "hardware"
	CategoryTrainingInfra   = "training-infra"
	CategoryLLMOps          = "llmops"
	CategoryAppLaunch       = "app-launch"
	CategoryFunding         = "funding"
	CategoryReliability     = "reliability"

	// CategoryUnclassified ставится, когда ни правила, ни классификатор не дали ответа.
	CategoryUnclassified = "unclassified"
)

// Categories перечисляет весь закрытый набор в порядке таксономии.
var Categories = []string{
	CategoryNewModel,
	CategoryModelUpgrade,
	CategoryModality,
	CategoryFineTuning,
	CategoryInference,
	CategoryPricing,
	CategoryRateLimits,
	CategoryDeprecation,
	CategorySDK,
	CategoryAPIChange,
	CategoryAgentFramework,
	CategoryToolIntegration,
	CategoryRAG,
	CategoryEmbeddings,
	CategoryEvals,
	CategoryDatasets,
	CategorySafety,
	CategoryPolicy,
	CategorySecurity,
	CategoryPrivacy,
	CategoryOpenSource,
	CategoryDevProducts,
	CategoryEnterprise,
	CategoryEdge,
	CategoryHardware,
	CategoryTrainingInfra,
	CategoryLLMOps,
	CategoryAppLaunch,
	CategoryFunding,
	CategoryReliability,
}

var categorySet = func() map[string]struct{} {
	out := make(map[string]struct{}, len(Categories))
	for _, c := range Categories {
		out[c] = struct{}{}
	}
	return out
}()

// IsKnownCategory проверяет принадлежность закрытому набору.
func IsKnownCategory(category string) bool {
	_, ok := categorySet[category]
	return ok
}

// Имена секций дайджеста в фиксированном порядке.
const (
	SectionTop            = "top"
	SectionDeveloper      = "developer"
	SectionModels         = "models"
	SectionPricing        = "pricing"
	SectionIncidents      = "incidents"
	SectionRadar          = "radar"
	SectionEverythingElse = "everything-else"
)

// CategoryKeywords задаёт правила сопоставления ключевых слов категориям.
// Порядок важен: категории добавляются в порядке правил.
var CategoryKeywords = []struct {
	Category string
	Keywords []string
}{
	{CategoryNewModel, []string{"new model", "launches model", "releases model", "foundation model", "introduces model"}},
	{CategoryModelUpgrade, []string{"model upgrade", "improved model", "faster model", "context window", "quality improvement"}},
	{CategoryModality, []string{"vision", "audio", "video", "multimodal", "image generation", "speech", "3d"}},
	{CategoryFineTuning, []string{"fine-tune", "fine-tuning", "finetune", "custom model"}},
	{CategoryInference, []string{"inference", "latency", "throughput", "runtime", "serving"}},
	{CategoryPricing, []string{"pricing", "price", "billing", "free tier", "cost"}},
	{CategoryRateLimits, []string{"rate limit", "quota", "throttl", "usage limit"}},
	{CategoryDeprecation, []string{"deprecat", "breaking change", "end of life", "eol", "sunset", "removal"}},
	{CategorySDK, []string{"sdk", "client library", "pip install", "npm install", "package release"}},
	{CategoryAPIChange, []string{"api", "endpoint", "graphql", "authentication", "schema change"}},
	{CategoryAgentFramework, []string{"agent", "orchestrat", "multi-agent", "workflow"}},
	{CategoryToolIntegration, []string{"function calling", "tool use", "integration", "plugin", "mcp"}},
	{CategoryRAG, []string{"rag", "retrieval", "vector search", "knowledge base"}},
	{CategoryEmbeddings, []string{"embedding", "rerank"}},
	{CategoryEvals, []string{"benchmark", "eval", "leaderboard"}},
	{CategoryDatasets, []string{"dataset", "training data", "corpus"}},
	{CategorySafety, []string{"safety", "alignment", "guardrail", "content filter"}},
	{CategoryPolicy, []string{"policy", "compliance", "governance", "regulation", "terms of service"}},
	{CategorySecurity, []string{"security", "vulnerability", "cve", "breach", "exploit"}},
	{CategoryPrivacy, []string{"privacy", "data protection", "opt out", "data retention"}},
	{CategoryOpenSource, []string{"open source", "open-source", "open weights", "weights released", "apache license", "mit license"}},
	{CategoryDevProducts, []string{"dashboard", "playground", "console", "developer portal", "studio"}},
	{CategoryEnterprise, []string{"enterprise", "sso", "rbac", "audit log"}},
	{CategoryEdge, []string{"on-device", "edge", "onnx", "tflite"}},
	{CategoryHardware, []string{"gpu", "tpu", "accelerator", "cuda", "chip"}},
	{CategoryTrainingInfra, []string{"distributed training", "training infrastructure", "training cluster"}},
	{CategoryLLMOps, []string{"monitoring", "tracing", "observability", "llmops"}},
	{CategoryAppLaunch, []string{"app launch", "now available in the app", "chatbot", "assistant", "copilot"}},
	{CategoryFunding, []string{"funding", "acquisition", "acquires", "merger", "partnership", "series a", "series b", "investment"}},
	{CategoryReliability, []string{"outage", "incident", "downtime", "degraded performance", "maintenance"}},
}

// BreakingKeywords перечисляет признаки ломающих изменений.
var BreakingKeywords = []string{"breaking", "deprecat", "removal", "removed", "end of life", "eol"}

// LaunchKeywords перечисляет признаки анонса запуска.
var LaunchKeywords = []string{"launch", "releases", "released", "introducing", "introduces", "ships", "unveil", "now available", "announcing"}

// NoiseTitles перечисляет заголовки без содержания, которые считаются спамом.
var NoiseTitles = []string{"update", "updates", "announcement", "announcements", "community update", "community updates"}
