package connector

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-fabric/internal/dict"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
	"github.com/stanstork/stratum-fabric/internal/odata"
	"github.com/stanstork/stratum-fabric/internal/pipeline"
)

// ClientFactory builds a dialect client for one system and service path.
// Implementations own per-client transport state; a client must never be
// shared across systems.
type ClientFactory interface {
	Client(system System, service string, dialect odata.Dialect) (*odata.Client, error)
}

// Live resolves object identifiers through the static object map and
// drives extraction and loading over the transport. It satisfies the
// pipeline's Source and Target contracts.
type Live struct {
	objects  *ObjectMap
	factory  ClientFactory
	dictConn dict.Conn
	logger   zerolog.Logger
}

func NewLive(objects *ObjectMap, factory ClientFactory, logger zerolog.Logger) *Live {
	return &Live{
		objects: objects,
		factory: factory,
		logger:  logger.With().Str("component", "connector").Logger(),
	}
}

// WithDictConn routes rfc-transport objects through the dictionary-call
// path instead of HTTP.
func (l *Live) WithDictConn(conn dict.Conn) *Live {
	l.dictConn = conn
	return l
}

// HasMapping reports whether the object identifier is known.
func (l *Live) HasMapping(id string) bool { return l.objects.Has(id) }

// GetMapping resolves an identifier to its endpoint tuple.
func (l *Live) GetMapping(id string) (Mapping, error) { return l.objects.Get(id) }

// Extract pulls the full record set for one object from the source
// system, paginating until exhaustion or the configured cap.
func (l *Live) Extract(ctx context.Context, id string, params pipeline.ExtractParams) ([]odata.Record, error) {
	mapping, err := l.objects.Get(id)
	if err != nil {
		return nil, err
	}
	if mapping.Transport == TransportRFC {
		return l.extractRFC(ctx, id, mapping, params)
	}

	client, err := l.factory.Client(SystemSource, mapping.Service, mapping.Dialect)
	if err != nil {
		return nil, err
	}
	client.MaxRecords = params.MaxRecords

	query := url.Values{}
	if params.CutoffDate != "" && mapping.CutoffField != "" {
		cutoff, err := time.Parse("2006-01-02", params.CutoffDate)
		if err != nil {
			return nil, fabricerr.Wrap(fabricerr.KindConfiguration, err, "parse cutoff date").WithDetail("objectId", id)
		}
		query.Set("$filter", fmt.Sprintf("%s le %s", mapping.CutoffField, client.DateLiteral(cutoff)))
	}

	records, err := client.GetAll(ctx, mapping.EntitySet, query)
	if err != nil {
		return nil, err
	}
	l.logger.Info().Str("object", id).Int("records", len(records)).Msg("extracted")
	return records, nil
}

// extractRFC reads the object's backing table through the dictionary
// connection.
func (l *Live) extractRFC(ctx context.Context, id string, mapping Mapping, params pipeline.ExtractParams) ([]odata.Record, error) {
	if l.dictConn == nil {
		return nil, fabricerr.Newf(fabricerr.KindConfiguration, "object %s requires a dictionary connection", id)
	}
	rows, err := l.dictConn.ReadTable(ctx, mapping.EntitySet, nil, nil, params.MaxRecords)
	if err != nil {
		return nil, err
	}
	records := make([]odata.Record, 0, len(rows))
	for _, row := range rows {
		rec := make(odata.Record, len(row))
		for k, v := range row {
			rec[k] = v
		}
		records = append(records, rec)
	}
	l.logger.Info().Str("object", id).Int("records", len(records)).Msg("extracted via dictionary")
	return records, nil
}

// Load creates one record in the target system.
func (l *Live) Load(ctx context.Context, id string, record odata.Record) error {
	mapping, err := l.objects.Get(id)
	if err != nil {
		return err
	}
	client, err := l.factory.Client(SystemTarget, mapping.Service, mapping.Dialect)
	if err != nil {
		return err
	}
	_, err = client.Create(ctx, mapping.EntitySet, record)
	return err
}

// LoadBatch submits the records as a single dialect batch request and
// reports per-record failures by input index.
func (l *Live) LoadBatch(ctx context.Context, id string, records []odata.Record) ([]pipeline.LoadError, error) {
	mapping, err := l.objects.Get(id)
	if err != nil {
		return nil, err
	}
	client, err := l.factory.Client(SystemTarget, mapping.Service, mapping.Dialect)
	if err != nil {
		return nil, err
	}

	builder := odata.NewBatchBuilder(mapping.Dialect)
	for _, rec := range records {
		builder.AddPost(mapping.EntitySet, rec, nil)
	}
	responses, err := client.ExecuteBatch(ctx, builder)
	if err != nil {
		return nil, err
	}

	var failures []pipeline.LoadError
	for i, resp := range responses {
		if resp.StatusCode < 400 {
			continue
		}
		failures = append(failures, pipeline.LoadError{
			Index:      i,
			Message:    fmt.Sprintf("batch sub-response status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		})
	}
	return failures, nil
}

// TestConnection probes one system by fetching the metadata document of
// the first HTTP-served object mapped to it.
func (l *Live) TestConnection(ctx context.Context, system System) error {
	for _, id := range l.objects.IDs() {
		mapping, err := l.objects.Get(id)
		if err != nil {
			return err
		}
		if mapping.System != system || mapping.Transport == TransportRFC {
			continue
		}
		client, err := l.factory.Client(system, mapping.Service, mapping.Dialect)
		if err != nil {
			return err
		}
		if _, err := client.Metadata(ctx); err != nil {
			return fabricerr.Wrap(fabricerr.KindConnection, err, "connection test failed").WithDetail("system", string(system))
		}
		l.logger.Info().Str("system", string(system)).Str("service", mapping.Service).Msg("connection test passed")
		return nil
	}
	return fabricerr.Newf(fabricerr.KindConfiguration, "no HTTP-served objects mapped to system %s", system)
}
