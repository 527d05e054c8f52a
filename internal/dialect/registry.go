package dialect

// The registry. Adding an engine is adding a row: fill in the capability
// table and the grain map, reusing the shared families where they apply.

// ansi fills unset fields with ANSI-leaning defaults shared by most engines.
func ansi(d *Dialect) *Dialect {
	if d.QuoteOpen == 0 {
		d.QuoteOpen = '"'
		d.QuoteClose = '"'
	}
	if d.QuoteClose == 0 {
		d.QuoteClose = d.QuoteOpen
	}
	if d.grains == nil {
		d.grains = dateTruncGrains("DATE_TRUNC")
	}
	if d.CTASMethod == "" && d.AllowCTAS {
		d.CTASMethod = "CREATE TABLE %s AS %s"
	}
	return register(d)
}

// Postgres is the reference dialect used by tests and local execution.
var Postgres = ansi(&Dialect{
	Name:                           "postgres",
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	RegexOp:                        "~",
	ILikeNative:                    true,
	AllowCTAS:                      true,
	cancel:                         cancelPGBackend,
	epochS:                         "(TIMESTAMP 'epoch' + {col} * INTERVAL '1 second')",
	epochMS:                        "(TIMESTAMP 'epoch' + {col} / 1000 * INTERVAL '1 second')",
})

// DuckDB is the embedded engine used for local databases and tests.
var DuckDB = ansi(&Dialect{
	Name:                           "duckdb",
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	RegexOp:                        "~",
	ILikeNative:                    true,
	AllowCTAS:                      true,
	epochS:                         "TO_TIMESTAMP({col})",
	epochMS:                        "TO_TIMESTAMP({col} / 1000)",
})

var _ = ansi(&Dialect{
	Name:                           "cockroachdb",
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	RegexOp:                        "~",
	ILikeNative:                    true,
	cancel:                         cancelPGBackend,
	epochS:                         "(TIMESTAMP 'epoch' + {col} * INTERVAL '1 second')",
	epochMS:                        "(TIMESTAMP 'epoch' + {col} / 1000 * INTERVAL '1 second')",
})

var _ = ansi(&Dialect{
	Name:                           "redshift",
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	RegexOp:                        "~",
	ILikeNative:                    true,
	AllowCTAS:                      true,
	epochS:                         "(TIMESTAMP 'epoch' + {col} * INTERVAL '1 second')",
	epochMS:                        "(TIMESTAMP 'epoch' + {col} / 1000 * INTERVAL '1 second')",
})

var _ = ansi(&Dialect{
	Name:                           "snowflake",
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	RegexOp:                        "REGEXP",
	ILikeNative:                    true,
	AllowCTAS:                      true,
	epochS:                         "TO_TIMESTAMP({col})",
	epochMS:                        "TO_TIMESTAMP({col}, 3)",
})

var _ = ansi(&Dialect{
	Name:                           "vertica",
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	ILikeNative:                    true,
	epochS:                         "TO_TIMESTAMP({col})",
	epochMS:                        "TO_TIMESTAMP({col} / 1000)",
})

// MySQL is the backtick-quoting family head.
var MySQL = ansi(&Dialect{
	Name:                           "mysql",
	QuoteOpen:                      '`',
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	RegexOp:                        "REGEXP",
	AllowCTAS:                      true,
	cancel:                         cancelKill,
	grains:                         mysqlGrains,
	epochS:                         "FROM_UNIXTIME({col})",
	epochMS:                        "FROM_UNIXTIME({col} / 1000)",
})

var _ = ansi(&Dialect{
	Name:                           "mariadb",
	QuoteOpen:                      '`',
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	RegexOp:                        "REGEXP",
	AllowCTAS:                      true,
	cancel:                         cancelKill,
	grains:                         mysqlGrains,
	epochS:                         "FROM_UNIXTIME({col})",
	epochMS:                        "FROM_UNIXTIME({col} / 1000)",
})

var _ = ansi(&Dialect{
	Name:                           "sqlite",
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	grains:                         sqliteGrains,
	epochS:                         "DATETIME({col}, 'unixepoch')",
	epochMS:                        "DATETIME({col} / 1000, 'unixepoch')",
})

// MSSQL quotes with brackets, has no native LIMIT, and requires ORDER BY
// whenever OFFSET is present.
var MSSQL = ansi(&Dialect{
	Name:                  "mssql",
	QuoteOpen:             '[',
	QuoteClose:            ']',
	SupportsCTEs:          true,
	GroupByOrdinal:        false,
	ForceOrderByForOffset: true,
	AllowCTAS:             true,
	CTASMethod:            "SELECT * INTO %s FROM (%s) ctas",
	limit:                 fetchNext,
	grains:                mssqlGrains,
	epochS:                "DATEADD(second, {col}, '1970-01-01')",
	epochMS:               "DATEADD(second, {col} / 1000, '1970-01-01')",
})

var _ = ansi(&Dialect{
	Name:                           "oracle",
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	limit:                          fetchNext,
	grains:                         oracleGrains,
	epochS:                         "TO_DATE('1970-01-01','YYYY-MM-DD') + ({col} / 86400)",
	epochMS:                        "TO_DATE('1970-01-01','YYYY-MM-DD') + ({col} / 86400000)",
	timestampLiteral:               "TO_TIMESTAMP('{ts}', 'YYYY-MM-DD HH24:MI:SS')",
})

var _ = ansi(&Dialect{
	Name:                           "bigquery",
	QuoteOpen:                      '`',
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	AllowCTAS:                      true,
	grains:                         bigqueryGrains,
	epochS:                         "TIMESTAMP_SECONDS({col})",
	epochMS:                        "TIMESTAMP_MILLIS({col})",
	timestampLiteral:               "TIMESTAMP '{ts}'",
})

var _ = ansi(&Dialect{
	Name:                           "trino",
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	AllowCTAS:                      true,
	grains:                         dateTruncGrains("date_trunc"),
	epochS:                         "from_unixtime({col})",
	epochMS:                        "from_unixtime({col} / 1000)",
	timestampLiteral:               "TIMESTAMP '{ts}'",
})

var _ = ansi(&Dialect{
	Name:                           "presto",
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	AllowCTAS:                      true,
	grains:                         dateTruncGrains("date_trunc"),
	epochS:                         "from_unixtime({col})",
	epochMS:                        "from_unixtime({col} / 1000)",
	timestampLiteral:               "TIMESTAMP '{ts}'",
})

var _ = ansi(&Dialect{
	Name:           "hive",
	QuoteOpen:      '`',
	SupportsCTEs:   true,
	GroupByOrdinal: false,
	grains:         dateTruncGrains("date_trunc"),
	epochS:         "from_unixtime({col})",
	epochMS:        "from_unixtime(CAST({col} / 1000 AS BIGINT))",
})

var _ = ansi(&Dialect{
	Name:                           "databricks",
	QuoteOpen:                      '`',
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	AllowCTAS:                      true,
	grains:                         dateTruncGrains("date_trunc"),
	epochS:                         "from_unixtime({col})",
	epochMS:                        "from_unixtime(CAST({col} / 1000 AS BIGINT))",
})

var _ = ansi(&Dialect{
	Name:                           "impala",
	QuoteOpen:                      '`',
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	grains:                         dateTruncGrains("date_trunc"),
	epochS:                         "from_unixtime({col})",
	epochMS:                        "from_unixtime(CAST({col} / 1000 AS BIGINT))",
})

var _ = ansi(&Dialect{
	Name:                           "clickhouse",
	QuoteOpen:                      '`',
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	RegexOp:                        "REGEXP",
	ILikeNative:                    true,
	grains:                         clickhouseGrains,
	epochS:                         "toDateTime({col})",
	epochMS:                        "toDateTime({col} / 1000)",
})

var _ = ansi(&Dialect{
	Name:                           "crate",
	SupportsCTEs:                   false,
	SupportsColumnAliasesInOrderBy: true,
	GroupByOrdinal:                 true,
	ILikeNative:                    true,
	epochS:                         "{col}::TIMESTAMP",
	epochMS:                        "({col} / 1000)::TIMESTAMP",
})

var _ = ansi(&Dialect{
	Name:            "druid",
	SupportsCTEs:    false,
	GroupByOrdinal:  true,
	MaxInListLength: 1000,
	grains:          dateTruncGrains("DATE_TRUNC"),
	epochS:          "MILLIS_TO_TIMESTAMP({col} * 1000)",
	epochMS:         "MILLIS_TO_TIMESTAMP({col})",
})

var _ = ansi(&Dialect{
	Name:           "drill",
	QuoteOpen:      '`',
	SupportsCTEs:   false,
	GroupByOrdinal: true,
	grains:         dateTruncGrains("DATE_TRUNC"),
	epochS:         "TO_TIMESTAMP({col})",
	epochMS:        "TO_TIMESTAMP({col} / 1000)",
})

var _ = ansi(&Dialect{
	Name:                           "exasol",
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	epochS:                         "FROM_POSIX_TIME({col})",
	epochMS:                        "FROM_POSIX_TIME({col} / 1000)",
})

var _ = ansi(&Dialect{
	Name:         "firebird",
	SupportsCTEs: true,
	limit:        rowNumber,
	grains: map[string]string{
		"PT1M": "CAST(CAST({col} AS DATE) || ' ' || EXTRACT(HOUR FROM {col}) || ':' || EXTRACT(MINUTE FROM {col}) || ':00' AS TIMESTAMP)",
		"PT1H": "CAST(CAST({col} AS DATE) || ' ' || EXTRACT(HOUR FROM {col}) || ':00:00' AS TIMESTAMP)",
		"P1D":  "CAST({col} AS DATE)",
		"P1M":  "CAST(EXTRACT(YEAR FROM {col}) || '-' || EXTRACT(MONTH FROM {col}) || '-01' AS DATE)",
		"P1Y":  "CAST(EXTRACT(YEAR FROM {col}) || '-01-01' AS DATE)",
	},
	epochS: "DATEADD(SECOND, {col}, TIMESTAMP '1970-01-01 00:00:00')",
})

var _ = ansi(&Dialect{
	Name:            "kylin",
	SupportsCTEs:    false,
	MaxInListLength: 1000,
	grains:          dateTruncGrains("DATE_TRUNC"),
})

var _ = ansi(&Dialect{
	Name:                           "monetdb",
	SupportsCTEs:                   true,
	SupportsColumnAliasesInOrderBy: true,
	ILikeNative:                    true,
	epochS:                         "sys.epoch(CAST({col} AS INT))",
	epochMS:                        "sys.epoch(CAST({col} AS BIGINT))",
})

var _ = ansi(&Dialect{
	Name:         "netezza",
	SupportsCTEs: true,
	epochS:       "TO_TIMESTAMP({col})",
	epochMS:      "TO_TIMESTAMP({col} / 1000)",
})

var _ = ansi(&Dialect{
	Name:            "rockset",
	SupportsCTEs:    true,
	GroupByOrdinal:  true,
	MaxInListLength: 5000,
	grains:          dateTruncGrains("DATE_TRUNC"),
	epochS:          "FROM_UNIXTIME({col})",
	epochMS:         "FROM_UNIXTIME({col} / 1000)",
})

var _ = ansi(&Dialect{
	Name:         "teradata",
	SupportsCTEs: true,
	limit:        rowNumber,
	grains: map[string]string{
		"PT1M": "TRUNC({col}, 'MI')",
		"PT1H": "TRUNC({col}, 'HH')",
		"P1D":  "TRUNC({col}, 'DD')",
		"P1W":  "TRUNC({col}, 'IW')",
		"P1M":  "TRUNC({col}, 'MONTH')",
		"P3M":  "TRUNC({col}, 'Q')",
		"P1Y":  "TRUNC({col}, 'YEAR')",
	},
})
