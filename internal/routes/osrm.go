package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/chauffeur-settlement/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// Route queries /route between the points and returns distance and
// duration. OSRM reports meters and seconds.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (Result, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Result{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return Result{
		DistanceMiles:   out.Routes[0].Distance / metersPerMile,
		DurationSeconds: out.Routes[0].Duration,
	}, nil
}
