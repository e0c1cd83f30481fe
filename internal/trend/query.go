package trend

import "fmt"

type Dialect string

const (
	DialectBigQuery Dialect = "bigquery"
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func (d Dialect) Label() string {
	switch d {
	case DialectBigQuery:
		return "BigQuery"
	case DialectPostgres:
		return "PostgreSQL"
	case DialectSQLite:
		return "SQLite"
	default:
		return string(d)
	}
}

// MessagesTable is the only table the dashboard reads.
const MessagesTable = "messages"

// Statement returns the hourly distinct-contact query for the trailing seven
// days. dataset qualifies the table on BigQuery and is ignored elsewhere.
func Statement(dialect Dialect, dataset string) (string, error) {
	switch dialect {
	case DialectBigQuery:
		if dataset == "" {
			return "", fmt.Errorf("bigquery statement requires a dataset")
		}
		return fmt.Sprintf(`SELECT EXTRACT(HOUR FROM TIMESTAMP(inserted_at)) AS message_hour,
       COUNT(DISTINCT contact_phone) AS distinct_contact_phone_count
FROM `+"`%s.%s`"+`
WHERE TIMESTAMP(inserted_at) >= TIMESTAMP_SUB(CURRENT_TIMESTAMP(), INTERVAL 7 DAY)
GROUP BY message_hour ORDER BY message_hour`, dataset, MessagesTable), nil
	case DialectPostgres:
		return fmt.Sprintf(`SELECT CAST(EXTRACT(HOUR FROM CAST(inserted_at AS TIMESTAMPTZ)) AS INTEGER) AS message_hour,
       COUNT(DISTINCT contact_phone) AS distinct_contact_phone_count
FROM %s
WHERE CAST(inserted_at AS TIMESTAMPTZ) >= NOW() - INTERVAL '7 days'
GROUP BY message_hour ORDER BY message_hour`, MessagesTable), nil
	case DialectSQLite:
		return fmt.Sprintf(`SELECT CAST(strftime('%%H', inserted_at) AS INTEGER) AS message_hour,
       COUNT(DISTINCT contact_phone) AS distinct_contact_phone_count
FROM %s
WHERE datetime(inserted_at) >= datetime('now', '-7 days')
GROUP BY message_hour ORDER BY message_hour`, MessagesTable), nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}
}
