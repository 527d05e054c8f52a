package dialect

// Time grains are keyed by ISO-8601 duration: PT1S, PT1M, PT1H, P1D, P1W,
// P1M, P3M (quarter), P1Y. Templates use {col} for the column expression.

// dateTruncGrains builds the DATE_TRUNC family shared by the Postgres
// lineage (postgres, redshift, cockroachdb, duckdb, snowflake, vertica, ...).
func dateTruncGrains(fn string) map[string]string {
	return map[string]string{
		"PT1S": fn + "('second', {col})",
		"PT1M": fn + "('minute', {col})",
		"PT1H": fn + "('hour', {col})",
		"P1D":  fn + "('day', {col})",
		"P1W":  fn + "('week', {col})",
		"P1M":  fn + "('month', {col})",
		"P3M":  fn + "('quarter', {col})",
		"P1Y":  fn + "('year', {col})",
	}
}

var bigqueryGrains = map[string]string{
	"PT1S": "TIMESTAMP_TRUNC({col}, SECOND)",
	"PT1M": "TIMESTAMP_TRUNC({col}, MINUTE)",
	"PT1H": "TIMESTAMP_TRUNC({col}, HOUR)",
	"P1D":  "TIMESTAMP_TRUNC({col}, DAY)",
	"P1W":  "TIMESTAMP_TRUNC({col}, WEEK)",
	"P1M":  "TIMESTAMP_TRUNC({col}, MONTH)",
	"P3M":  "TIMESTAMP_TRUNC({col}, QUARTER)",
	"P1Y":  "TIMESTAMP_TRUNC({col}, YEAR)",
}

// mssqlGrains uses the DATEADD/DATEDIFF idiom; SQL Server has no DATE_TRUNC
// before 2022.
var mssqlGrains = map[string]string{
	"PT1S": "DATEADD(second, DATEDIFF(second, '2000-01-01', {col}), '2000-01-01')",
	"PT1M": "DATEADD(minute, DATEDIFF(minute, 0, {col}), 0)",
	"PT1H": "DATEADD(hour, DATEDIFF(hour, 0, {col}), 0)",
	"P1D":  "DATEADD(day, DATEDIFF(day, 0, {col}), 0)",
	"P1W":  "DATEADD(week, DATEDIFF(week, 0, {col}), 0)",
	"P1M":  "DATEADD(month, DATEDIFF(month, 0, {col}), 0)",
	"P3M":  "DATEADD(quarter, DATEDIFF(quarter, 0, {col}), 0)",
	"P1Y":  "DATEADD(year, DATEDIFF(year, 0, {col}), 0)",
}

var mysqlGrains = map[string]string{
	"PT1S": "DATE_ADD(DATE({col}), INTERVAL (HOUR({col})*3600 + MINUTE({col})*60 + SECOND({col})) SECOND)",
	"PT1M": "DATE_ADD(DATE({col}), INTERVAL (HOUR({col})*60 + MINUTE({col})) MINUTE)",
	"PT1H": "DATE_ADD(DATE({col}), INTERVAL HOUR({col}) HOUR)",
	"P1D":  "DATE({col})",
	"P1W":  "DATE(DATE_SUB({col}, INTERVAL DAYOFWEEK({col}) - 1 DAY))",
	"P1M":  "DATE(DATE_SUB({col}, INTERVAL DAYOFMONTH({col}) - 1 DAY))",
	"P3M":  "MAKEDATE(YEAR({col}), 1) + INTERVAL QUARTER({col}) QUARTER - INTERVAL 1 QUARTER",
	"P1Y":  "DATE(DATE_SUB({col}, INTERVAL DAYOFYEAR({col}) - 1 DAY))",
}

var sqliteGrains = map[string]string{
	"PT1S": "DATETIME(STRFTIME('%Y-%m-%d %H:%M:%S', {col}))",
	"PT1M": "DATETIME(STRFTIME('%Y-%m-%d %H:%M:00', {col}))",
	"PT1H": "DATETIME(STRFTIME('%Y-%m-%d %H:00:00', {col}))",
	"P1D":  "DATE({col})",
	"P1W":  "DATE({col}, '-' || STRFTIME('%w', {col}) || ' days')",
	"P1M":  "DATE({col}, 'start of month')",
	"P1Y":  "DATE({col}, 'start of year')",
}

var clickhouseGrains = map[string]string{
	"PT1M": "toStartOfMinute({col})",
	"PT1H": "toStartOfHour({col})",
	"P1D":  "toStartOfDay({col})",
	"P1W":  "toMonday({col})",
	"P1M":  "toStartOfMonth({col})",
	"P3M":  "toStartOfQuarter({col})",
	"P1Y":  "toStartOfYear({col})",
}

var oracleGrains = map[string]string{
	"PT1S": "CAST({col} AS DATE)",
	"PT1M": "TRUNC({col}, 'MI')",
	"PT1H": "TRUNC({col}, 'HH')",
	"P1D":  "TRUNC({col}, 'DD')",
	"P1W":  "TRUNC({col}, 'IW')",
	"P1M":  "TRUNC({col}, 'MONTH')",
	"P3M":  "TRUNC({col}, 'Q')",
	"P1Y":  "TRUNC({col}, 'YEAR')",
}

// KnownGrains lists the grains the builder accepts; dialects may cover a
// subset, in which case the raw column is used.
var KnownGrains = []string{"PT1S", "PT1M", "PT1H", "P1D", "P1W", "P1M", "P3M", "P1Y"}
