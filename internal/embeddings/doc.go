// Package embeddings maps chunk text and questions to vectors.
//
// Three providers sit behind Provider: an OpenAI-compatible HTTP client
// (langchaingo), FastEmbed for local ONNX models (cgo builds only), and a
// deterministic hash embedder for offline runs. New selects one from
// configuration and resolves the vector dimension for known models.
package embeddings
