package warehouse

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"contacttrend/internal/trend"
)

type hourRow struct {
	MessageHour               int64 `bigquery:"message_hour"`
	DistinctContactPhoneCount int64 `bigquery:"distinct_contact_phone_count"`
}

type BigQueryClient struct {
	client *bigquery.Client
}

// BigQueryFactory constructs clients with explicit credentials; it never
// relies on process-wide credential discovery unless the Spec is empty.
type BigQueryFactory struct {
	// Options are appended to every client, e.g. an endpoint override.
	Options []option.ClientOption
}

func (f BigQueryFactory) NewClient(ctx context.Context, spec Spec) (Client, error) {
	opts := append([]option.ClientOption{}, f.Options...)

	switch {
	case len(spec.CredentialsJSON) > 0:
		creds, err := google.CredentialsFromJSON(ctx, spec.CredentialsJSON, bigquery.Scope)
		if err != nil {
			return nil, fmt.Errorf("parse service account credentials: %w", err)
		}
		opts = append(opts, option.WithCredentials(creds))
	case spec.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(spec.CredentialsFile))
	}

	projectID := spec.ProjectID
	if projectID == "" {
		projectID = bigquery.DetectProjectID
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	return &BigQueryClient{client: client}, nil
}

func (c *BigQueryClient) Dialect() trend.Dialect {
	return trend.DialectBigQuery
}

func (c *BigQueryClient) ProjectID() string {
	return c.client.Project()
}

func (c *BigQueryClient) QueryHourly(ctx context.Context, stmt string) ([]trend.Row, error) {
	it, err := c.client.Query(stmt).Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}

	rows := make([]trend.Row, 0, 24)
	for {
		var row hourRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		rows = append(rows, trend.Row{Hour: int(row.MessageHour), DistinctCount: row.DistinctContactPhoneCount})
	}
	return rows, nil
}

func (c *BigQueryClient) Close() error {
	return c.client.Close()
}
