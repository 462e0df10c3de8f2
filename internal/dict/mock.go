package dict

import (
	"context"
	"strings"

	"github.com/stanstork/stratum-fabric/internal/fabricerr"
)

// MockConn serves deterministic dictionary fixtures for well-known tables.
// It backs mock mode and the test suite; live deployments inject an
// HTTP-backed Conn instead.
type MockConn struct {
	// Extra rows merged over the built-in fixtures, keyed by dictionary
	// table name.
	Extra map[string][]map[string]string
}

func (m *MockConn) FieldInfoGet(ctx context.Context, table string) ([]FieldInfo, error) {
	fields, ok := mockFieldInfo[table]
	if !ok {
		return nil, fabricerr.Newf(fabricerr.KindObjectNotFound, "table %s not in dictionary fixtures", table)
	}
	out := make([]FieldInfo, len(fields))
	copy(out, fields)
	return out, nil
}

func (m *MockConn) TableGet(ctx context.Context, table string) (*TableDescription, error) {
	desc, ok := mockTables[table]
	if !ok {
		return nil, fabricerr.Newf(fabricerr.KindObjectNotFound, "table %s not in dictionary fixtures", table)
	}
	d := desc
	return &d, nil
}

func (m *MockConn) ReadTable(ctx context.Context, table string, fields []string, options []string, rowCount int) ([]map[string]string, error) {
	rows := append([]map[string]string{}, mockRows[table]...)
	if m.Extra != nil {
		rows = append(rows, m.Extra[table]...)
	}

	var out []map[string]string
	for _, row := range rows {
		if !matchOptions(row, options) {
			continue
		}
		out = append(out, projectRow(row, fields))
		if rowCount > 0 && len(out) >= rowCount {
			break
		}
	}
	return out, nil
}

// matchOptions supports the "FIELD = 'VALUE'" option shape the discovery
// protocol emits.
func matchOptions(row map[string]string, options []string) bool {
	for _, opt := range options {
		parts := strings.SplitN(opt, "=", 2)
		if len(parts) != 2 {
			continue
		}
		field := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "'")
		if row[field] != value {
			return false
		}
	}
	return true
}

func projectRow(row map[string]string, fields []string) map[string]string {
	if len(fields) == 0 {
		out := make(map[string]string, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out
	}
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[f] = row[f]
	}
	return out
}

var mockTables = map[string]TableDescription{
	"MARA": {Name: "MARA", Description: "General Material Data", TableClass: "TRANSP", DeliveryClass: "A"},
	"MAKT": {Name: "MAKT", Description: "Material Descriptions", TableClass: "TRANSP", DeliveryClass: "A"},
	"KNA1": {Name: "KNA1", Description: "General Data in Customer Master", TableClass: "TRANSP", DeliveryClass: "A"},
	"LFA1": {Name: "LFA1", Description: "Vendor Master (General Section)", TableClass: "TRANSP", DeliveryClass: "A"},
	"BKPF": {Name: "BKPF", Description: "Accounting Document Header", TableClass: "TRANSP", DeliveryClass: "A"},
	"T001": {Name: "T001", Description: "Company Codes", TableClass: "TRANSP", DeliveryClass: "C"},
	"T005": {Name: "T005", Description: "Countries", TableClass: "TRANSP", DeliveryClass: "C"},
	"T134": {Name: "T134", Description: "Material Types", TableClass: "TRANSP", DeliveryClass: "C"},
	"T023": {Name: "T023", Description: "Material Groups", TableClass: "TRANSP", DeliveryClass: "C"},
}

var mockFieldInfo = map[string][]FieldInfo{
	"MARA": {
		{FieldName: "MANDT", DataElement: "MANDT", Domain: "MANDT", DataType: "CLNT", Length: 3, IsKey: true, InternalType: "C"},
		{FieldName: "MATNR", DataElement: "MATNR", Domain: "MATNR", DataType: "CHAR", Length: 18, IsKey: true, FieldText: "Material Number", ConversionRoutine: "MATN1", InternalType: "C"},
		{FieldName: "MTART", DataElement: "MTART", Domain: "MTART", DataType: "CHAR", Length: 4, CheckTable: "T134", FieldText: "Material Type", InternalType: "C"},
		{FieldName: "MATKL", DataElement: "MATKL", Domain: "MATKL", DataType: "CHAR", Length: 9, CheckTable: "T023", FieldText: "Material Group", InternalType: "C"},
		{FieldName: "MEINS", DataElement: "MEINS", Domain: "MEINS", DataType: "UNIT", Length: 3, FieldText: "Base Unit of Measure", ConversionRoutine: "CUNIT", InternalType: "C"},
		{FieldName: "BRGEW", DataElement: "BRGEW", Domain: "MENG13", DataType: "QUAN", Length: 13, Decimals: 3, FieldText: "Gross Weight", RefTable: "MARA", RefField: "GEWEI", InternalType: "P"},
	},
	"MAKT": {
		{FieldName: "MANDT", DataElement: "MANDT", Domain: "MANDT", DataType: "CLNT", Length: 3, IsKey: true, InternalType: "C"},
		{FieldName: "MATNR", DataElement: "MATNR", Domain: "MATNR", DataType: "CHAR", Length: 18, IsKey: true, CheckTable: "MARA", InternalType: "C"},
		{FieldName: "SPRAS", DataElement: "SPRAS", Domain: "SPRAS", DataType: "LANG", Length: 1, IsKey: true, InternalType: "C"},
		{FieldName: "MAKTX", DataElement: "MAKTX", Domain: "TEXT40", DataType: "CHAR", Length: 40, FieldText: "Material Description", InternalType: "C"},
	},
	"KNA1": {
		{FieldName: "MANDT", DataElement: "MANDT", Domain: "MANDT", DataType: "CLNT", Length: 3, IsKey: true, InternalType: "C"},
		{FieldName: "KUNNR", DataElement: "KUNNR", Domain: "KUNNR", DataType: "CHAR", Length: 10, IsKey: true, FieldText: "Customer Number", ConversionRoutine: "ALPHA", InternalType: "C"},
		{FieldName: "LAND1", DataElement: "LAND1_GP", Domain: "LAND1", DataType: "CHAR", Length: 3, CheckTable: "T005", FieldText: "Country Key", InternalType: "C"},
		{FieldName: "NAME1", DataElement: "NAME1_GP", Domain: "NAME", DataType: "CHAR", Length: 35, FieldText: "Name 1", InternalType: "C"},
	},
	"LFA1": {
		{FieldName: "MANDT", DataElement: "MANDT", Domain: "MANDT", DataType: "CLNT", Length: 3, IsKey: true, InternalType: "C"},
		{FieldName: "LIFNR", DataElement: "LIFNR", Domain: "LIFNR", DataType: "CHAR", Length: 10, IsKey: true, FieldText: "Supplier Number", ConversionRoutine: "ALPHA", InternalType: "C"},
		{FieldName: "LAND1", DataElement: "LAND1_GP", Domain: "LAND1", DataType: "CHAR", Length: 3, CheckTable: "T005", FieldText: "Country Key", InternalType: "C"},
	},
	"BKPF": {
		{FieldName: "BUKRS", DataElement: "BUKRS", Domain: "BUKRS", DataType: "CHAR", Length: 4, IsKey: true, CheckTable: "T001", FieldText: "Company Code", InternalType: "C"},
		{FieldName: "BELNR", DataElement: "BELNR_D", Domain: "BELNR", DataType: "CHAR", Length: 10, IsKey: true, FieldText: "Document Number", ConversionRoutine: "ALPHA", InternalType: "C"},
		{FieldName: "GJAHR", DataElement: "GJAHR", Domain: "GJAHR", DataType: "NUMC", Length: 4, IsKey: true, FieldText: "Fiscal Year", InternalType: "N"},
	},
	"T001": {
		{FieldName: "BUKRS", DataElement: "BUKRS", Domain: "BUKRS", DataType: "CHAR", Length: 4, IsKey: true, InternalType: "C"},
		{FieldName: "BUTXT", DataElement: "BUTXT", Domain: "TEXT25", DataType: "CHAR", Length: 25, InternalType: "C"},
		{FieldName: "WAERS", DataElement: "WAERS", Domain: "WAERS", DataType: "CUKY", Length: 5, InternalType: "C"},
	},
	"T005": {
		{FieldName: "LAND1", DataElement: "LAND1", Domain: "LAND1", DataType: "CHAR", Length: 3, IsKey: true, InternalType: "C"},
	},
	"T134": {
		{FieldName: "MTART", DataElement: "MTART", Domain: "MTART", DataType: "CHAR", Length: 4, IsKey: true, InternalType: "C"},
	},
	"T023": {
		{FieldName: "MATKL", DataElement: "MATKL", Domain: "MATKL", DataType: "CHAR", Length: 9, IsKey: true, InternalType: "C"},
	},
}

// mockRows holds dictionary-table contents consumed through read-table.
var mockRows = map[string][]map[string]string{
	"DD03L": {
		{"TABNAME": "MARA", "FIELDNAME": "MATNR", "CHECKTABLE": "", "KEYFLAG": "X", "DATATYPE": "CHAR"},
		{"TABNAME": "MARA", "FIELDNAME": "MTART", "CHECKTABLE": "T134", "KEYFLAG": "", "DATATYPE": "CHAR"},
		{"TABNAME": "MARA", "FIELDNAME": "MATKL", "CHECKTABLE": "T023", "KEYFLAG": "", "DATATYPE": "CHAR"},
		{"TABNAME": "MAKT", "FIELDNAME": "MATNR", "CHECKTABLE": "MARA", "KEYFLAG": "X", "DATATYPE": "CHAR"},
		{"TABNAME": "MAKT", "FIELDNAME": "SPRAS", "CHECKTABLE": "", "KEYFLAG": "X", "DATATYPE": "LANG"},
		{"TABNAME": "MAKT", "FIELDNAME": "MAKTX", "CHECKTABLE": "", "KEYFLAG": "", "DATATYPE": "CHAR"},
		{"TABNAME": "KNA1", "FIELDNAME": "KUNNR", "CHECKTABLE": "", "KEYFLAG": "X", "DATATYPE": "CHAR"},
		{"TABNAME": "KNA1", "FIELDNAME": "LAND1", "CHECKTABLE": "T005", "KEYFLAG": "", "DATATYPE": "CHAR"},
		{"TABNAME": "LFA1", "FIELDNAME": "LIFNR", "CHECKTABLE": "", "KEYFLAG": "X", "DATATYPE": "CHAR"},
		{"TABNAME": "LFA1", "FIELDNAME": "LAND1", "CHECKTABLE": "T005", "KEYFLAG": "", "DATATYPE": "CHAR"},
		{"TABNAME": "BKPF", "FIELDNAME": "BUKRS", "CHECKTABLE": "T001", "KEYFLAG": "X", "DATATYPE": "CHAR"},
		{"TABNAME": "T001", "FIELDNAME": "BUKRS", "CHECKTABLE": "", "KEYFLAG": "X", "DATATYPE": "CHAR"},
		{"TABNAME": "T001", "FIELDNAME": "WAERS", "CHECKTABLE": "TCURC", "KEYFLAG": "", "DATATYPE": "CUKY"},
		{"TABNAME": "T005", "FIELDNAME": "LAND1", "CHECKTABLE": "", "KEYFLAG": "X", "DATATYPE": "CHAR"},
		{"TABNAME": "T134", "FIELDNAME": "MTART", "CHECKTABLE": "", "KEYFLAG": "X", "DATATYPE": "CHAR"},
		{"TABNAME": "T023", "FIELDNAME": "MATKL", "CHECKTABLE": "", "KEYFLAG": "X", "DATATYPE": "CHAR"},
		{"TABNAME": "TCURC", "FIELDNAME": "WAERS", "CHECKTABLE": "", "KEYFLAG": "X", "DATATYPE": "CUKY"},
	},
	"DD08L": {
		{"TABNAME": "MARA", "CHECKTABLE": "T134", "FRKART": "CHECK"},
		{"TABNAME": "MARA", "CHECKTABLE": "T023", "FRKART": "CHECK"},
		{"TABNAME": "MARA", "CHECKTABLE": "MAKT", "FRKART": "TEXT"},
		{"TABNAME": "KNA1", "CHECKTABLE": "T005", "FRKART": "CHECK"},
		{"TABNAME": "LFA1", "CHECKTABLE": "T005", "FRKART": "CHECK"},
		{"TABNAME": "BKPF", "CHECKTABLE": "T001", "FRKART": "CHECK"},
		{"TABNAME": "T001", "CHECKTABLE": "TCURC", "FRKART": "CHECK"},
	},
	"DD05S": {
		{"TABNAME": "MARA", "CHECKTABLE": "T134", "FIELDNAME": "MTART", "CHECKFIELD": "MTART"},
		{"TABNAME": "MARA", "CHECKTABLE": "T023", "FIELDNAME": "MATKL", "CHECKFIELD": "MATKL"},
		{"TABNAME": "MARA", "CHECKTABLE": "MAKT", "FIELDNAME": "MATNR", "CHECKFIELD": "MATNR"},
		{"TABNAME": "KNA1", "CHECKTABLE": "T005", "FIELDNAME": "LAND1", "CHECKFIELD": "LAND1"},
		{"TABNAME": "LFA1", "CHECKTABLE": "T005", "FIELDNAME": "LAND1", "CHECKFIELD": "LAND1"},
		{"TABNAME": "BKPF", "CHECKTABLE": "T001", "FIELDNAME": "BUKRS", "CHECKFIELD": "BUKRS"},
		{"TABNAME": "T001", "CHECKTABLE": "TCURC", "FIELDNAME": "WAERS", "CHECKFIELD": "WAERS"},
	},
	"DD07V": {
		{"DOMNAME": "MTART", "DOMVALUE_L": "ROH", "DDTEXT": "Raw materials"},
		{"DOMNAME": "MTART", "DOMVALUE_L": "HALB", "DDTEXT": "Semifinished products"},
		{"DOMNAME": "MTART", "DOMVALUE_L": "FERT", "DDTEXT": "Finished products"},
		{"DOMNAME": "SPRAS", "DOMVALUE_L": "E", "DDTEXT": "English"},
		{"DOMNAME": "SPRAS", "DOMVALUE_L": "D", "DDTEXT": "German"},
	},
	"DD04L": {
		{"ROLLNAME": "MATNR", "DOMNAME": "MATNR", "DATATYPE": "CHAR", "LENG": "18", "DECIMALS": "0"},
		{"ROLLNAME": "KUNNR", "DOMNAME": "KUNNR", "DATATYPE": "CHAR", "LENG": "10", "DECIMALS": "0"},
		{"ROLLNAME": "BUKRS", "DOMNAME": "BUKRS", "DATATYPE": "CHAR", "LENG": "4", "DECIMALS": "0"},
	},
	"DD04T": {
		{"ROLLNAME": "MATNR", "DDLANGUAGE": "E", "SCRTEXT_S": "Material", "SCRTEXT_M": "Material", "SCRTEXT_L": "Material Number", "REPTEXT": "Material"},
		{"ROLLNAME": "KUNNR", "DDLANGUAGE": "E", "SCRTEXT_S": "Customer", "SCRTEXT_M": "Customer", "SCRTEXT_L": "Customer Number", "REPTEXT": "Customer"},
		{"ROLLNAME": "BUKRS", "DDLANGUAGE": "E", "SCRTEXT_S": "CoCode", "SCRTEXT_M": "Company Code", "SCRTEXT_L": "Company Code", "REPTEXT": "CoCd"},
	},
}
