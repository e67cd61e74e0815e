package sink

import (
	"context"
	"encoding/json"
	"path"

	"github.com/aws-solutions-library-samples/osml-model-runner/internal/geo"
	"github.com/aws-solutions-library-samples/osml-model-runner/internal/store"
)

// S3Sink writes one aggregate GeoJSON FeatureCollection document per job to
// the object store under <prefix>/<jobID>.geojson.
type S3Sink struct {
	Store  store.ObjectStore
	Bucket string
	Prefix string
}

// Name identifies the sink kind.
func (s *S3Sink) Name() string { return TypeS3 }

// Write encodes the feature collection and puts it in the bucket.
func (s *S3Sink) Write(ctx context.Context, jobID string, features []*geo.Feature) (string, error) {
	data, err := json.Marshal(geo.NewFeatureCollection(features))
	if err != nil {
		return "", err
	}
	uri := store.JoinURI(s.Bucket, path.Join(s.Prefix, jobID+".geojson"))
	if err := s.Store.Put(ctx, uri, data, "application/geo+json"); err != nil {
		return "", err
	}
	return uri, nil
}
