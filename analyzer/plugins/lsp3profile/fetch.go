package lsp3profile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/chillwhales/lsp-indexer/analyzer/fetcher"
	"github.com/chillwhales/lsp-indexer/analyzer/plugins/pluginutil"
	"github.com/chillwhales/lsp-indexer/storage"
)

// CodeInvalidProfile marks documents that are JSON but not LSP3 metadata.
const CodeInvalidProfile = "INVALID_LSP3_PROFILE"

// Tag and link ids are derived from their position in the document, so a
// refetch rewrites the same rows.
var subEntityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("lsp3_profile"))

type document struct {
	LSP3Profile *metadata `json:"LSP3Profile"`
}

type metadata struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Tags        []string `json:"tags"`
	Links       []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"links"`
}

func decodeMetadata(data []byte) (*metadata, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.LSP3Profile == nil {
		return nil, fmt.Errorf("missing LSP3Profile object")
	}
	return doc.LSP3Profile, nil
}

func subEntityID(profileID string, kind string, i int) string {
	return uuid.NewSHA1(subEntityNamespace, []byte(fmt.Sprintf("%s/%s/%d", profileID, kind, i))).String()
}

func (p *Plugin) FetchEntityType() string { return FetchEntityType }

// HandleFetchResults stores fetched metadata. Results for a URL the
// profile no longer points to are ignored.
func (p *Plugin) HandleFetchResults(ctx context.Context, store storage.Store, results []fetcher.Result) error {
	if len(results) == 0 {
		return nil
	}
	requested := make([]string, len(results))
	for i, r := range results {
		requested[i] = r.ID
	}
	rows, err := store.Find(ctx, storage.Query{Table: Table, Filters: []storage.Filter{storage.In("id", requested)}})
	if err != nil {
		return err
	}
	urls := make(map[string]string, len(rows))
	for _, r := range rows {
		if url, ok := r["url"].(string); ok {
			urls[r.ID()] = url
		}
	}

	var (
		fetched []string
		tags    []storage.Row
		links   []storage.Row
		updates []storage.Row
	)
	for _, r := range results {
		if url, ok := urls[r.ID]; !ok || url != r.Request.URL {
			p.logger.Debug("dropping stale profile metadata", "profile", r.ID, "url", r.Request.URL)
			continue
		}
		if !r.Success {
			updates = append(updates, failureRow(r))
			continue
		}
		md, err := decodeMetadata(r.Data)
		if err != nil {
			p.logger.Info("profile metadata is not LSP3", "profile", r.ID, "url", r.Request.URL, "err", err)
			// Fetched for good, so retry_count is left alone.
			updates = append(updates, storage.Row{
				"id":                  r.ID,
				"is_data_fetched":     true,
				"fetch_error_message": err.Error(),
				"fetch_error_code":    CodeInvalidProfile,
				"fetch_error_status":  nil,
			})
			continue
		}

		fetched = append(fetched, r.ID)
		for i, tag := range md.Tags {
			tags = append(tags, storage.Row{"id": subEntityID(r.ID, "tag", i), "lsp3_profile_id": r.ID, "tag": tag})
		}
		for i, link := range md.Links {
			links = append(links, storage.Row{"id": subEntityID(r.ID, "link", i), "lsp3_profile_id": r.ID, "title": link.Title, "url": link.URL})
		}
		updates = append(updates, storage.Row{
			"id":                  r.ID,
			"is_data_fetched":     true,
			"metadata":            string(r.Data),
			"name":                pluginutil.NullableString(md.Name),
			"description":         pluginutil.NullableString(md.Description),
			"fetch_error_message": nil,
			"fetch_error_code":    nil,
			"fetch_error_status":  nil,
		})
	}

	// The profile row is marked fetched last so that a failure in between
	// leaves it pending.
	if len(fetched) > 0 {
		if err := clearSubEntities(ctx, store, fetched); err != nil {
			return err
		}
		if err := store.Insert(ctx, TagTable, tags); err != nil {
			return err
		}
		if err := store.Insert(ctx, LinkTable, links); err != nil {
			return err
		}
	}
	return store.Upsert(ctx, Table, updates)
}

func failureRow(r fetcher.Result) storage.Row {
	row := storage.Row{
		"id":                  r.ID,
		"fetch_error_message": r.Error,
		"fetch_error_code":    r.ErrorCode,
		"fetch_error_status":  nil,
		"retry_count":         r.Request.Retries + 1,
	}
	if r.StatusCode != 0 {
		row["fetch_error_status"] = r.StatusCode
	}
	return row
}

func pendingQuery(maxRetries int) storage.Query {
	return storage.Query{
		Table: Table,
		Filters: []storage.Filter{
			storage.Eq("is_data_fetched", false),
			storage.Lt("retry_count", maxRetries),
		},
		OrderBy: "retry_count",
	}
}

// PendingFetches lists the profiles whose metadata is still missing, the
// least retried first.
func (p *Plugin) PendingFetches(ctx context.Context, store storage.Store, limit int, maxRetries int) ([]fetcher.Request, error) {
	q := pendingQuery(maxRetries)
	q.Limit = limit
	rows, err := store.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	reqs := make([]fetcher.Request, 0, len(rows))
	for _, r := range rows {
		url, _ := r["url"].(string)
		if url == "" {
			continue
		}
		reqs = append(reqs, fetcher.Request{
			ID:         r.ID(),
			URL:        url,
			EntityType: FetchEntityType,
			Retries:    pluginutil.Int(r["retry_count"]),
		})
	}
	return reqs, nil
}

func (p *Plugin) PendingFetchCount(ctx context.Context, store storage.Store, maxRetries int) (int, error) {
	rows, err := store.Find(ctx, pendingQuery(maxRetries))
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
