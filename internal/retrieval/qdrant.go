package retrieval

import (
	"context"
	"fmt"
	"log"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"lexivion.com/docsearch/internal/store"
)

const (
	payloadOwnerID    = "owner_id"
	payloadDocumentID = "document_id"
)

// LiveSet reports which index hits still exist in the store. The index is
// updated after a commit, so for a moment it can lag behind.
type LiveSet interface {
	FilterExistingChunks(ctx context.Context, ids []int64) (map[int64]bool, error)
	GetDocumentsByIDs(ctx context.Context, ids []int64) (map[int64]store.Document, error)
}

type QdrantConfig struct {
	Host             string
	Port             int
	CollectionPrefix string
	TextDim          int
	ImageDim         int
}

// QdrantBackend keeps chunk and document vectors in three Qdrant
// collections: <prefix>_text, <prefix>_image and <prefix>_documents.
// Point ids are the SQLite row ids.
type QdrantBackend struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	live        LiveSet
	prefix      string
	textDim     int
	imageDim    int
}

func NewQdrantBackend(ctx context.Context, cfg QdrantConfig, live LiveSet) (*QdrantBackend, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	b := &QdrantBackend{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		live:        live,
		prefix:      cfg.CollectionPrefix,
		textDim:     cfg.TextDim,
		imageDim:    cfg.ImageDim,
	}
	if err := b.ensureCollections(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *QdrantBackend) Close() error {
	return b.conn.Close()
}

func (b *QdrantBackend) Name() string { return "qdrant" }
func (b *QdrantBackend) Exact() bool  { return false }

func (b *QdrantBackend) collection(kind string) string {
	return b.prefix + "_" + kind
}

func (b *QdrantBackend) chunkCollection(t store.ChunkType) string {
	return b.collection(string(t))
}

// chunkTypes lists the chunk types that have a collection.
func (b *QdrantBackend) chunkTypes() []store.ChunkType {
	types := []store.ChunkType{store.ChunkTypeText}
	if b.imageDim > 0 {
		types = append(types, store.ChunkTypeImage)
	}
	return types
}

func (b *QdrantBackend) ensureCollections(ctx context.Context) error {
	wanted := map[string]int{
		b.collection("text"):      b.textDim,
		b.collection("image"):     b.imageDim,
		b.collection("documents"): b.textDim,
	}
	for name, dim := range wanted {
		if dim <= 0 {
			continue
		}
		exists, err := b.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: name})
		if err != nil {
			return fmt.Errorf("qdrant collection check %s: %w", name, err)
		}
		if exists.GetResult().GetExists() {
			continue
		}
		_, err = b.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: name,
			VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: uint64(dim), Distance: pb.Distance_Cosine},
			}},
		})
		if err != nil {
			return fmt.Errorf("qdrant create collection %s: %w", name, err)
		}
		log.Printf("Created Qdrant collection %s (dim %d)", name, dim)
	}
	return nil
}

func matchInt(key string, v int64) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
		Key:   key,
		Match: &pb.Match{MatchValue: &pb.Match_Integer{Integer: v}},
	}}}
}

func matchAnyInt(key string, vs []int64) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
		Key:   key,
		Match: &pb.Match{MatchValue: &pb.Match_Integers{Integers: &pb.RepeatedIntegers{Integers: vs}}},
	}}}
}

func pointID(id int64) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Num{Num: uint64(id)}}
}

func intValue(v int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: v}}
}

func (b *QdrantBackend) search(ctx context.Context, collection string, vec []float32, filter *pb.Filter, limit int) ([]Candidate, error) {
	resp, err := b.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vec,
		Filter:         filter,
		Limit:          uint64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search %s: %w", collection, err)
	}
	out := make([]Candidate, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		out = append(out, Candidate{ID: int64(pt.GetId().GetNum()), Similarity: float64(pt.GetScore())})
	}
	return out, nil
}

func (b *QdrantBackend) Candidates(ctx context.Context, query []float32, scope Scope, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	filter := &pb.Filter{Must: []*pb.Condition{matchInt(payloadOwnerID, scope.OwnerUserID)}}
	if len(scope.DocumentIDs) > 0 {
		filter.Must = append(filter.Must, matchAnyInt(payloadDocumentID, scope.DocumentIDs))
	}
	hits, err := b.search(ctx, b.chunkCollection(scope.Type), query, filter, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return hits, nil
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	existing, err := b.live.FilterExistingChunks(ctx, ids)
	if err != nil {
		return nil, err
	}
	live := hits[:0]
	for _, h := range hits {
		if existing[h.ID] {
			live = append(live, h)
		}
	}
	return live, nil
}

func (b *QdrantBackend) NearestDocuments(ctx context.Context, ownerUserID int64, vec []float32, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	filter := &pb.Filter{Must: []*pb.Condition{matchInt(payloadOwnerID, ownerUserID)}}
	hits, err := b.search(ctx, b.collection("documents"), vec, filter, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return hits, nil
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	docs, err := b.live.GetDocumentsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	live := hits[:0]
	for _, h := range hits {
		if doc, ok := docs[h.ID]; ok && doc.OwnerUserID == ownerUserID {
			live = append(live, h)
		}
	}
	return live, nil
}

func (b *QdrantBackend) upsert(ctx context.Context, collection string, points []*pb.PointStruct) error {
	if len(points) == 0 {
		return nil
	}
	wait := true
	_, err := b.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert %s: %w", collection, err)
	}
	return nil
}

// IndexDocument upserts the document's semantic vector. A document without
// one has its point removed, so the semantic tier stops matching old content.
func (b *QdrantBackend) IndexDocument(ctx context.Context, doc store.Document) error {
	if len(doc.Embedding) == 0 {
		return b.delete(ctx, b.collection("documents"), &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Points{
			Points: &pb.PointsIdsList{Ids: []*pb.PointId{pointID(doc.ID)}},
		}})
	}
	return b.upsert(ctx, b.collection("documents"), []*pb.PointStruct{{
		Id:      pointID(doc.ID),
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: doc.Embedding}}},
		Payload: map[string]*pb.Value{
			payloadOwnerID:    intValue(doc.OwnerUserID),
			payloadDocumentID: intValue(doc.ID),
		},
	}})
}

func (b *QdrantBackend) IndexChunks(ctx context.Context, ownerUserID int64, chunks []store.Chunk) error {
	byType := make(map[store.ChunkType][]*pb.PointStruct)
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		byType[c.Type] = append(byType[c.Type], &pb.PointStruct{
			Id:      pointID(c.ID),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: c.Embedding}}},
			Payload: map[string]*pb.Value{
				payloadOwnerID:    intValue(ownerUserID),
				payloadDocumentID: intValue(c.DocumentID),
			},
		})
	}
	for t, points := range byType {
		if err := b.upsert(ctx, b.chunkCollection(t), points); err != nil {
			return err
		}
	}
	return nil
}

func (b *QdrantBackend) delete(ctx context.Context, collection string, selector *pb.PointsSelector) error {
	wait := true
	_, err := b.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         selector,
	})
	if err != nil {
		return fmt.Errorf("qdrant delete from %s: %w", collection, err)
	}
	return nil
}

// RemoveChunks deletes the points from both chunk collections; ids are
// unique across chunk types.
func (b *QdrantBackend) RemoveChunks(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = pointID(id)
	}
	selector := &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Points{
		Points: &pb.PointsIdsList{Ids: pointIDs},
	}}
	for _, t := range b.chunkTypes() {
		if err := b.delete(ctx, b.chunkCollection(t), selector); err != nil {
			return err
		}
	}
	return nil
}

func (b *QdrantBackend) RemoveDocument(ctx context.Context, documentID int64) error {
	byDocument := &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Filter{
		Filter: &pb.Filter{Must: []*pb.Condition{matchInt(payloadDocumentID, documentID)}},
	}}
	for _, t := range b.chunkTypes() {
		if err := b.delete(ctx, b.chunkCollection(t), byDocument); err != nil {
			return err
		}
	}
	return b.delete(ctx, b.collection("documents"), &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Points{
		Points: &pb.PointsIdsList{Ids: []*pb.PointId{pointID(documentID)}},
	}})
}
