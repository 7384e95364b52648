package control

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/oneee-playground/r2d2-agent/internal/job"
	"github.com/pkg/errors"
)

// Invoke sends a GET request to the application the job is running. target
// is a path, optionally with a query, resolved against the job's URL; it
// cannot point to another host. The caller closes the response body.
func (c *Controller) Invoke(ctx context.Context, id int, target string) (*http.Response, error) {
	j, err := c.touch(id)
	if err != nil {
		return nil, err
	}
	if j.URL == "" || j.State != job.StateRunning {
		return nil, &job.ErrInvalidState{ID: id, State: j.State, Operation: "invoke"}
	}

	u, err := resolve(j.URL, target)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "invoking application")
	}
	return res, nil
}

func resolve(base, target string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "parsing application url")
	}

	p, query, _ := strings.Cut(target, "?")
	u.Path = path.Join("/", u.Path, path.Clean("/"+p))
	u.RawPath = ""
	u.RawQuery = query
	u.Fragment = ""

	return u.String(), nil
}
