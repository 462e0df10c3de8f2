package connector

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-fabric/internal/dict"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
	"github.com/stanstork/stratum-fabric/internal/odata"
	"github.com/stanstork/stratum-fabric/internal/odatatest"
	"github.com/stanstork/stratum-fabric/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testObjectsV2 = `
objects:
  CUSTOMER:
    system: source
    service: /srv/customers
    entitySet: Customers
    dialect: v2
    cutoffField: ChangedOn
  ORDER:
    system: target
    service: /srv/orders
    entitySet: Orders
    dialect: v2
  COMPANY:
    system: source
    service: T001
    entitySet: T001
    dialect: v2
    transport: rfc
`

const testObjectsV4 = `
objects:
  SUPPLIER:
    system: source
    service: /srv/suppliers
    entitySet: Suppliers
    dialect: v4
  PARTNER:
    system: target
    service: /srv/partners
    entitySet: Partners
    dialect: v4
`

type liveEnv struct {
	source *odatatest.Server
	target *odatatest.Server
	live   *Live
}

func newLiveEnv(t *testing.T, dialect odata.Dialect, mapData string) *liveEnv {
	t.Helper()

	source := odatatest.New(dialect)
	t.Cleanup(source.Close)
	target := odatatest.New(dialect)
	t.Cleanup(target.Close)

	objects, err := ParseObjectMap([]byte(mapData))
	require.NoError(t, err)

	factory := NewFactory(map[System]Endpoint{
		SystemSource: {BaseURL: source.URL()},
		SystemTarget: {BaseURL: target.URL()},
	}, zerolog.Nop())

	return &liveEnv{
		source: source,
		target: target,
		live:   NewLive(objects, factory, zerolog.Nop()),
	}
}

func TestExtractPaginatesSourceEntitySet(t *testing.T) {
	env := newLiveEnv(t, odata.DialectV2, testObjectsV2)
	env.source.PageSize = 2
	env.source.Seed("Customers", []odata.Record{
		{"KUNNR": "1"}, {"KUNNR": "2"}, {"KUNNR": "3"}, {"KUNNR": "4"}, {"KUNNR": "5"},
	})

	records, err := env.live.Extract(context.Background(), "CUSTOMER", pipeline.ExtractParams{})
	require.NoError(t, err)
	assert.Len(t, records, 5)
	assert.Equal(t, "1", records[0]["KUNNR"])
}

func TestExtractHonorsMaxRecords(t *testing.T) {
	env := newLiveEnv(t, odata.DialectV2, testObjectsV2)
	env.source.Seed("Customers", []odata.Record{
		{"KUNNR": "1"}, {"KUNNR": "2"}, {"KUNNR": "3"},
	})

	records, err := env.live.Extract(context.Background(), "CUSTOMER", pipeline.ExtractParams{MaxRecords: 2})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestExtractWithCutoffDate(t *testing.T) {
	env := newLiveEnv(t, odata.DialectV2, testObjectsV2)
	env.source.Seed("Customers", []odata.Record{{"KUNNR": "1"}})

	records, err := env.live.Extract(context.Background(), "CUSTOMER", pipeline.ExtractParams{CutoffDate: "2024-01-15"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestExtractRejectsMalformedCutoffDate(t *testing.T) {
	env := newLiveEnv(t, odata.DialectV2, testObjectsV2)

	_, err := env.live.Extract(context.Background(), "CUSTOMER", pipeline.ExtractParams{CutoffDate: "15.01.2024"})
	require.Error(t, err)
	assert.Equal(t, fabricerr.KindConfiguration, fabricerr.KindOf(err))
}

func TestExtractUnmappedObject(t *testing.T) {
	env := newLiveEnv(t, odata.DialectV2, testObjectsV2)

	_, err := env.live.Extract(context.Background(), "NOT_A_THING", pipeline.ExtractParams{})
	require.Error(t, err)
	assert.Equal(t, fabricerr.KindConfiguration, fabricerr.KindOf(err))
}

func TestExtractRFCReadsDictionaryTable(t *testing.T) {
	env := newLiveEnv(t, odata.DialectV2, testObjectsV2)
	conn := &dict.MockConn{Extra: map[string][]map[string]string{
		"T001": {
			{"BUKRS": "1000", "BUTXT": "ACME AG", "WAERS": "EUR"},
			{"BUKRS": "2000", "BUTXT": "ACME Inc", "WAERS": "USD"},
		},
	}}
	env.live.WithDictConn(conn)

	records, err := env.live.Extract(context.Background(), "COMPANY", pipeline.ExtractParams{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "1000", records[0]["BUKRS"])
	assert.Equal(t, "EUR", records[0]["WAERS"])
}

func TestExtractRFCRequiresDictConn(t *testing.T) {
	env := newLiveEnv(t, odata.DialectV2, testObjectsV2)

	_, err := env.live.Extract(context.Background(), "COMPANY", pipeline.ExtractParams{})
	require.Error(t, err)
	assert.Equal(t, fabricerr.KindConfiguration, fabricerr.KindOf(err))
}

func TestLoadCreatesRecordThroughHandshake(t *testing.T) {
	env := newLiveEnv(t, odata.DialectV2, testObjectsV2)

	err := env.live.Load(context.Background(), "ORDER", odata.Record{"OrderId": "100"})
	require.NoError(t, err)

	records := env.target.Records("Orders")
	require.Len(t, records, 1)
	assert.Equal(t, "100", records[0]["OrderId"])
}

func TestLoadBatchReportsPerRecordFailures(t *testing.T) {
	env := newLiveEnv(t, odata.DialectV4, testObjectsV4)

	failures, err := env.live.LoadBatch(context.Background(), "PARTNER", []odata.Record{
		{"PartnerId": "P1"},
		{"PartnerId": "P2"},
	})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Len(t, env.target.Records("Partners"), 2)

	env.target.FailNext(1, 400)
	failures, err = env.live.LoadBatch(context.Background(), "PARTNER", []odata.Record{
		{"PartnerId": "P3"},
		{"PartnerId": "P4"},
	})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 0, failures[0].Index)
	assert.Equal(t, 400, failures[0].StatusCode)
	assert.Len(t, env.target.Records("Partners"), 3)
}

func TestConnectionProbe(t *testing.T) {
	env := newLiveEnv(t, odata.DialectV2, testObjectsV2)

	require.NoError(t, env.live.TestConnection(context.Background(), SystemSource))
	require.NoError(t, env.live.TestConnection(context.Background(), SystemTarget))
}

func TestConnectionProbeWithoutHTTPObjects(t *testing.T) {
	objects, err := ParseObjectMap([]byte(`
objects:
  COMPANY:
    system: source
    service: T001
    entitySet: T001
    dialect: v2
    transport: rfc
`))
	require.NoError(t, err)
	live := NewLive(objects, NewFactory(nil, zerolog.Nop()), zerolog.Nop())

	err = live.TestConnection(context.Background(), SystemSource)
	require.Error(t, err)
	assert.Equal(t, fabricerr.KindConfiguration, fabricerr.KindOf(err))
}

func TestFactoryCachesPerSystemServiceDialect(t *testing.T) {
	server := odatatest.New(odata.DialectV2)
	t.Cleanup(server.Close)

	factory := NewFactory(map[System]Endpoint{
		SystemSource: {BaseURL: server.URL()},
		SystemTarget: {BaseURL: server.URL()},
	}, zerolog.Nop())

	a, err := factory.Client(SystemSource, "/srv/customers", odata.DialectV2)
	require.NoError(t, err)
	b, err := factory.Client(SystemSource, "/srv/customers", odata.DialectV2)
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := factory.Client(SystemTarget, "/srv/customers", odata.DialectV2)
	require.NoError(t, err)
	assert.NotSame(t, a, c, "systems never share a client")

	_, err = factory.Client(System("other"), "/srv/customers", odata.DialectV2)
	require.Error(t, err)
	assert.Equal(t, fabricerr.KindConfiguration, fabricerr.KindOf(err))
}
