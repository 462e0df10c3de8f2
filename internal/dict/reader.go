package dict

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-fabric/internal/fabricerr"
)

// Dictionary table names used by the discovery protocol.
const (
	tableFields       = "DD03L" // field lists, check-table references
	tableAssociations = "DD08L" // association definitions (CHECK / TEXT)
	tableFieldPairs   = "DD05S" // association field mappings
	tableDomainValues = "DD07V" // domain fixed values
)

// Conn is the callable function-module interface behind every dictionary
// read: field-info-get, table-get and read-table with field/option lists.
// Live connections compose calls over the transport; the mock connection
// serves fixtures.
type Conn interface {
	FieldInfoGet(ctx context.Context, table string) ([]FieldInfo, error)
	TableGet(ctx context.Context, table string) (*TableDescription, error)
	ReadTable(ctx context.Context, table string, fields []string, options []string, rowCount int) ([]map[string]string, error)
}

// TableDescription is the header-level result of a table-get call.
type TableDescription struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	TableClass  string `json:"tableClass"`
	DeliveryClass string `json:"deliveryClass"`
}

// Reader performs dictionary intelligence over a pooled connection.
type Reader struct {
	conn   Conn
	pool   *Pool
	logger zerolog.Logger
}

func NewReader(conn Conn, pool *Pool, logger zerolog.Logger) *Reader {
	if pool == nil {
		pool = NewPool(0)
	}
	return &Reader{
		conn:   conn,
		pool:   pool,
		logger: logger.With().Str("component", "dict").Logger(),
	}
}

// TableFields returns the field metadata list for a table.
func (r *Reader) TableFields(ctx context.Context, table string) ([]FieldInfo, error) {
	if err := r.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer r.pool.Release()
	return r.conn.FieldInfoGet(ctx, normalizeTable(table))
}

// Table returns header-level metadata for a table.
func (r *Reader) Table(ctx context.Context, table string) (*TableDescription, error) {
	if err := r.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer r.pool.Release()
	return r.conn.TableGet(ctx, normalizeTable(table))
}

// ForeignKeys runs the 4-step discovery protocol for one table: field list
// with check tables, association definitions, field-pair mappings, and the
// text-table split with language-field identification.
func (r *Reader) ForeignKeys(ctx context.Context, table string) (*ForeignKeys, error) {
	table = normalizeTable(table)
	if err := r.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer r.pool.Release()

	// Step 1: field list including check tables.
	fieldRows, err := r.conn.ReadTable(ctx, tableFields,
		[]string{"FIELDNAME", "CHECKTABLE", "KEYFLAG"},
		[]string{"TABNAME = '" + table + "'"}, 0)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocol, err, "read field list").WithDetail("table", table)
	}

	// Step 2: association definitions for the table.
	assocRows, err := r.conn.ReadTable(ctx, tableAssociations,
		[]string{"CHECKTABLE", "FRKART"},
		[]string{"TABNAME = '" + table + "'"}, 0)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocol, err, "read associations").WithDetail("table", table)
	}

	// Step 3: field-pair mappings for those associations.
	pairRows, err := r.conn.ReadTable(ctx, tableFieldPairs,
		[]string{"CHECKTABLE", "FIELDNAME", "CHECKFIELD"},
		[]string{"TABNAME = '" + table + "'"}, 0)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocol, err, "read field pairs").WithDetail("table", table)
	}

	pairsByTarget := make(map[string][]FieldPair)
	for _, row := range pairRows {
		target := row["CHECKTABLE"]
		pairsByTarget[target] = append(pairsByTarget[target], FieldPair{
			From: row["FIELDNAME"],
			To:   row["CHECKFIELD"],
		})
	}

	// Fields whose check table is declared inline but has no explicit
	// association row still count as CHECK relations.
	seen := make(map[string]bool)
	result := &ForeignKeys{Table: table}

	for _, row := range assocRows {
		target := row["CHECKTABLE"]
		if target == "" || seen[target] {
			continue
		}
		seen[target] = true

		kind := RelationCheck
		if strings.EqualFold(row["FRKART"], "TEXT") {
			kind = RelationText
		}

		if kind == RelationText {
			// Step 4: text tables carry a language key; identify it from
			// the text table's own field list, defaulting conventionally.
			langField, err := r.languageField(ctx, target)
			if err != nil {
				return nil, err
			}
			result.TextTables = append(result.TextTables, TextTable{
				Table:         target,
				LanguageField: langField,
				Fields:        pairsByTarget[target],
			})
			continue
		}

		result.Relations = append(result.Relations, Relation{
			Target: target,
			Type:   RelationCheck,
			Fields: pairsByTarget[target],
		})
	}

	for _, row := range fieldRows {
		target := row["CHECKTABLE"]
		if target == "" || target == table || seen[target] {
			continue
		}
		seen[target] = true
		result.Relations = append(result.Relations, Relation{
			Target: target,
			Type:   RelationCheck,
			Fields: pairsByTarget[target],
		})
	}

	return result, nil
}

// languageField finds the language key of a text table, defaulting to the
// conventional name when no LANG-typed field is declared.
func (r *Reader) languageField(ctx context.Context, textTable string) (string, error) {
	rows, err := r.conn.ReadTable(ctx, tableFields,
		[]string{"FIELDNAME", "DATATYPE"},
		[]string{"TABNAME = '" + textTable + "'"}, 0)
	if err != nil {
		return "", fabricerr.Wrap(fabricerr.KindProtocol, err, "read text table fields").WithDetail("table", textTable)
	}
	for _, row := range rows {
		if strings.EqualFold(row["DATATYPE"], "LANG") {
			return row["FIELDNAME"], nil
		}
	}
	return defaultLanguageField, nil
}

// DomainValues returns the fixed-value list of a domain.
func (r *Reader) DomainValues(ctx context.Context, domain string) ([]DomainValue, error) {
	if err := r.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer r.pool.Release()

	rows, err := r.conn.ReadTable(ctx, tableDomainValues,
		[]string{"DOMVALUE_L", "DDTEXT"},
		[]string{"DOMNAME = '" + normalizeTable(domain) + "'"}, 0)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocol, err, "read domain values").WithDetail("domain", domain)
	}

	values := make([]DomainValue, 0, len(rows))
	for _, row := range rows {
		values = append(values, DomainValue{
			Value:       row["DOMVALUE_L"],
			Description: row["DDTEXT"],
		})
	}
	return values, nil
}

// DataElement returns technical attributes and language texts for one
// data element.
func (r *Reader) DataElement(ctx context.Context, name string) (*DataElementInfo, error) {
	name = normalizeTable(name)
	if err := r.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer r.pool.Release()

	attrRows, err := r.conn.ReadTable(ctx, "DD04L",
		[]string{"ROLLNAME", "DOMNAME", "DATATYPE", "LENG", "DECIMALS"},
		[]string{"ROLLNAME = '" + name + "'"}, 1)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocol, err, "read data element").WithDetail("element", name)
	}
	if len(attrRows) == 0 {
		return nil, fabricerr.Newf(fabricerr.KindObjectNotFound, "data element %s not found", name)
	}

	info := &DataElementInfo{
		Name:     name,
		Domain:   attrRows[0]["DOMNAME"],
		DataType: attrRows[0]["DATATYPE"],
		Length:   atoiSafe(attrRows[0]["LENG"]),
		Decimals: atoiSafe(attrRows[0]["DECIMALS"]),
		Texts:    make(map[string]ElementTexts),
	}

	textRows, err := r.conn.ReadTable(ctx, "DD04T",
		[]string{"DDLANGUAGE", "SCRTEXT_S", "SCRTEXT_M", "SCRTEXT_L", "REPTEXT"},
		[]string{"ROLLNAME = '" + name + "'"}, 0)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocol, err, "read data element texts").WithDetail("element", name)
	}
	for _, row := range textRows {
		info.Texts[row["DDLANGUAGE"]] = ElementTexts{
			Short:   row["SCRTEXT_S"],
			Medium:  row["SCRTEXT_M"],
			Long:    row["SCRTEXT_L"],
			Heading: row["REPTEXT"],
		}
	}
	return info, nil
}

func normalizeTable(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}
