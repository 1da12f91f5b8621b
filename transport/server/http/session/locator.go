package session

import (
	"fmt"
	"net/http"
	"net/url"
)

// Locator reads and writes session ids at a configured Location.
type Locator struct{}

// Locate retrieves the session id from the request, returning an empty
// string when the location carries none.
func (l *Locator) Locate(location *Location, request *http.Request) (string, error) {
	if request == nil {
		return "", fmt.Errorf("request was nil")
	}
	switch location.Kind {
	case KindHeader:
		return request.Header.Get(location.Name), nil
	case KindQuery:
		return request.URL.Query().Get(location.Name), nil
	}
	return "", fmt.Errorf("unsupported session id location kind %q for %q", location.Kind, location.Name)
}

// Set writes the session id into query values for locations of kind query.
func (l *Locator) Set(location *Location, values url.Values, id string) error {
	if values == nil {
		return fmt.Errorf("values were nil")
	}
	if location.Kind != KindQuery {
		return fmt.Errorf("unsupported session id location kind %q for %q", location.Kind, location.Name)
	}
	values.Set(location.Name, id)
	return nil
}
