// Package vectorstore is the vector index behind ingestion, cleanup and
// retrieval.
//
// Every record carries ownerId and batchId in its payload. Searches take a
// Filter naming the owner; only the degraded retrieval path passes a nil
// filter. Cleanup is a delete-by-filter on (ownerId, batchId), so it is
// safe to repeat.
//
// Record ids are derived from (batchId, sequenceIndex) with PointID, which
// makes re-ingesting a batch overwrite its earlier points.
//
// Two backends are provided:
//   - QdrantIndex: one Qdrant collection with keyword payload indexes
//   - ChromemIndex: embedded chromem-go, in memory or persisted to disk
package vectorstore
