package board

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"sprintline/internal/domain"
)

const defaultTrelloBaseURL = "https://api.trello.com/1"

// Raw Trello API shapes. Only the fields the normalizer reads.
type trelloList struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type trelloCard struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	IDList    string   `json:"idList"`
	IDMembers []string `json:"idMembers"`
	URL       string   `json:"url"`
	Desc      string   `json:"desc"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Badges struct {
		CheckItems        int `json:"checkItems"`
		CheckItemsChecked int `json:"checkItemsChecked"`
	} `json:"badges"`
	Attachments []struct {
		URL string `json:"url"`
	} `json:"attachments"`
	DateLastActivity string `json:"dateLastActivity"`
}

// PRResolver maps a pull-request URL to a review state. The loader calls it
// once per card so downstream components never fetch.
type PRResolver func(ctx context.Context, prURL string) (string, error)

// TrelloSource pulls lists and cards from the Trello API and normalizes them.
type TrelloSource struct {
	BoardID   string
	Key       string
	Token     string
	BaseURL   string
	Client    *http.Client
	ResolvePR PRResolver
	Now       func() time.Time
}

func (t TrelloSource) Snapshot(ctx context.Context) (domain.BoardSnapshot, error) {
	var lists []trelloList
	if err := t.fetch(ctx, fmt.Sprintf("/boards/%s/lists", t.BoardID), nil, &lists); err != nil {
		return domain.BoardSnapshot{}, err
	}
	listNames := make(map[string]string, len(lists))
	for _, l := range lists {
		listNames[l.ID] = l.Name
	}

	var cards []trelloCard
	params := url.Values{
		"fields":      {"badges,name,desc,idList,idMembers,url,labels,dateLastActivity"},
		"attachments": {"true"},
	}
	if err := t.fetch(ctx, fmt.Sprintf("/boards/%s/cards", t.BoardID), params, &cards); err != nil {
		return domain.BoardSnapshot{}, err
	}

	snapshot := domain.BoardSnapshot{
		BoardID: t.BoardID,
		TakenAt: t.now().UTC().Format(time.RFC3339),
		Cards:   make([]domain.Card, 0, len(cards)),
	}
	for _, c := range cards {
		card := domain.Card{
			ID:               c.ID,
			Title:            c.Name,
			ListName:         listNames[c.IDList],
			URL:              c.URL,
			MemberIDs:        c.IDMembers,
			HasDescription:   strings.TrimSpace(c.Desc) != "",
			ChecklistItems:   c.Badges.CheckItems,
			ChecklistChecked: c.Badges.CheckItemsChecked,
			LastMovedOn:      c.DateLastActivity,
		}
		for _, l := range c.Labels {
			card.Labels = append(card.Labels, l.Name)
		}
		card.PRURL = prAttachment(c)
		if card.PRURL != "" && t.ResolvePR != nil {
			state, err := t.ResolvePR(ctx, card.PRURL)
			if err != nil {
				return domain.BoardSnapshot{}, fmt.Errorf("%w: resolve pr %s: %v", ErrUnavailable, card.PRURL, err)
			}
			card.PRState = state
		}
		snapshot.Cards = append(snapshot.Cards, card)
	}
	if err := Validate(snapshot); err != nil {
		return domain.BoardSnapshot{}, err
	}
	return snapshot, nil
}

func prAttachment(c trelloCard) string {
	for _, a := range c.Attachments {
		if strings.Contains(a.URL, "github.com") && strings.Contains(a.URL, "/pull/") {
			return a.URL
		}
	}
	return ""
}

// fetch GETs a Trello endpoint with auth params and retries transient
// failures with exponential backoff before giving up as ErrUnavailable.
func (t TrelloSource) fetch(ctx context.Context, path string, params url.Values, out any) error {
	base := t.BaseURL
	if base == "" {
		base = defaultTrelloBaseURL
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("key", t.Key)
	params.Set("token", t.Token)
	endpoint := base + path + "?" + params.Encode()

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("trello %s: status %d", path, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("trello %s: status %d", path, resp.StatusCode))
		}
		return body, nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	body, err := backoff.RetryWithData(op, policy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformedSnapshot, path, err)
	}
	return nil
}

func (t TrelloSource) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}
