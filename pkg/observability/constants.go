package observability

// Span attribute keys.
const (
	AttrUserID          = "user.id"
	AttrSessionID       = "session.id"
	AttrCollection      = "collection.name"
	AttrPipelineStage   = "pipeline.stage"
	AttrLLMModel        = "llm.model"
	AttrLLMProvider     = "llm.provider"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrVectorStore     = "vector_store.name"
	AttrResultCount     = "result.count"
	AttrErrorType       = "error.type"

	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"
)

// Span names.
const (
	SpanSearch        = "nestor.search"
	SpanPipelineStage = "nestor.pipeline_stage"
	SpanLLMRequest    = "nestor.llm_request"
	SpanEmbedding     = "nestor.embedding"
	SpanVectorSearch  = "nestor.vector_search"
	SpanReasoning     = "nestor.reasoning"
	SpanHTTPRequest   = "nestor.http_request"
)

const (
	DefaultServiceName  = "nestor"
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
	DefaultSamplingRate = 1.0
)
