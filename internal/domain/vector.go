package domain

// PayloadFieldType is the inferred Qdrant-style payload index type of a field.
type PayloadFieldType string

const (
	PayloadKeyword PayloadFieldType = "keyword"
	PayloadInteger PayloadFieldType = "integer"
	PayloadFloat   PayloadFieldType = "float"
	PayloadBool    PayloadFieldType = "bool"
)

// Distance is a vector similarity metric supported by the index store.
type Distance string

const (
	DistanceCosine Distance = "cosine"
	DistanceDot    Distance = "dot"
	DistanceEuclid Distance = "euclid"
)

// VectorRecord is one embedded chunk as stored in / read from the index.
type VectorRecord struct {
	Collection string         `json:"collection"`
	PointID    string         `json:"point_id"`
	Vector     []float32      `json:"vector"`
	Metadata   map[string]any `json:"metadata"`
}

// ColumnDescriptor describes one field of the owning record, supplied by the
// caller in lieu of reflection over a model class (see SPEC_FULL §8 / DESIGN.md
// "Model classes become plain record types").
type ColumnDescriptor struct {
	Name       string
	ColumnType string // int, bigint, float, double, bool, uuid, string, ...
}

// InferPayloadType applies the ordered rules of spec §4.8.
func InferPayloadType(col ColumnDescriptor) PayloadFieldType {
	name := col.Name
	ct := col.ColumnType

	if name == "id" || hasSuffix(name, "_id") {
		return PayloadKeyword
	}
	switch ct {
	case "int", "integer", "bigint", "smallint":
		return PayloadInteger
	case "float", "double", "decimal", "numeric":
		return PayloadFloat
	case "bool", "boolean":
		return PayloadBool
	case "uuid", "guid", "string", "text", "varchar":
		return PayloadKeyword
	}
	if hasPrefix(name, "is_") || hasPrefix(name, "has_") {
		return PayloadBool
	}
	return PayloadKeyword
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// CollectionDescriptor is the vector store's notion of one named collection.
type CollectionDescriptor struct {
	Name             string                      `json:"name"`
	VectorDimensions int                          `json:"vector_dimensions"`
	Distance         Distance                     `json:"distance"`
	PayloadIndexes   map[string]PayloadFieldType `json:"payload_indexes"`
	SegmentNumber    int                          `json:"segment_number,omitempty"`
	ReplicationFactor int                         `json:"replication_factor,omitempty"`
	ModelClass       string                       `json:"model_class,omitempty"`
}

// SearchResult is one scored hit returned from a vector search.
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content,omitempty"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}
