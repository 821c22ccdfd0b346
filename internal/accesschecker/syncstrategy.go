package accesschecker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ehrgateway/fhir-gateway/internal/fhir"
	"github.com/ehrgateway/fhir-gateway/internal/gatewayerr"
	"github.com/ehrgateway/fhir-gateway/internal/inspector"
	"github.com/ehrgateway/fhir-gateway/internal/request"
	"github.com/ehrgateway/fhir-gateway/internal/token"
)

// SyncStrategy values the sync-strategy checker may resolve a token's
// application config to.
const (
	SyncStrategyCareTeam     = "CareTeam"
	SyncStrategyOrganization = "Organization"
	SyncStrategyLocation     = "Location"
)

// syncStrategyResult is the per-token outcome of resolving application
// config + the caller's partition ids, cached so repeated requests on the
// same token skip the Composition/Binary/PractitionerRole round trips.
type syncStrategyResult struct {
	strategy string
	tagURL   string
	ids      []string
}

// SyncStrategyChecker implements spec.md §4.4.5: it never denies outright
// (a misconfiguration is a failure, not a deny) but mutates every
// non-ignored request to scope results to the caller's assigned
// organizational partitions via repeated `_tag` query parameters.
type SyncStrategyChecker struct {
	// IgnoreResourceTypes are resource types that pass through unmutated
	// (e.g. Questionnaire, StructureMap).
	IgnoreResourceTypes map[string]bool
	// IgnoredStructureMapIDs are specific StructureMap ids (requested via
	// `_id=`) exempted from mutation even though StructureMap is not
	// itself in IgnoreResourceTypes.
	IgnoredStructureMapIDs map[string]bool

	cache sync.Map // key: issuer+"|"+subject+"|"+appID -> *syncStrategyResult
}

// NewSyncStrategyChecker builds a checker with the given ignore lists.
func NewSyncStrategyChecker(ignoreResourceTypes, ignoredStructureMapIDs []string) *SyncStrategyChecker {
	c := &SyncStrategyChecker{
		IgnoreResourceTypes:    make(map[string]bool, len(ignoreResourceTypes)),
		IgnoredStructureMapIDs: make(map[string]bool, len(ignoredStructureMapIDs)),
	}
	for _, rt := range ignoreResourceTypes {
		c.IgnoreResourceTypes[rt] = true
	}
	for _, id := range ignoredStructureMapIDs {
		c.IgnoredStructureMapIDs[id] = true
	}
	return c
}

func (c *SyncStrategyChecker) Check(ctx context.Context, v request.View, dt token.DecodedToken, insp *inspector.Inspector, client BackendClient) (Decision, error) {
	appID := dt.StringClaim("fhir_core_app_id")
	if appID == "" {
		return Decision{}, gatewayerr.Config("token is missing required fhir_core_app_id claim", nil)
	}

	if v.ResourceType == "StructureMap" {
		if id, ok := v.Query.Get("_id"); ok && c.IgnoredStructureMapIDs[id] {
			return grant(nil), nil
		}
	}
	if c.IgnoreResourceTypes[v.ResourceType] {
		return grant(nil), nil
	}

	result, err := c.resolve(ctx, dt, appID, client)
	if err != nil {
		return Decision{}, err
	}
	if len(result.ids) == 0 {
		return Decision{}, gatewayerr.Config(fmt.Sprintf("sync strategy %q resolved to no assigned partitions for this token", result.strategy), nil)
	}

	tags := make([]string, 0, len(result.ids))
	for _, id := range result.ids {
		tags = append(tags, result.tagURL+"|"+id)
	}
	mutation := request.Mutation{
		AddParams:     map[string][]string{"_tag": tags},
		AddParamOrder: []string{"_tag"},
	}
	return grantWithMutation(mutation, nil), nil
}

func (c *SyncStrategyChecker) resolve(ctx context.Context, dt token.DecodedToken, appID string, client BackendClient) (*syncStrategyResult, error) {
	key := dt.Issuer + "|" + dt.Subject + "|" + appID
	if cached, ok := c.cache.Load(key); ok {
		return cached.(*syncStrategyResult), nil
	}

	binaryRef, err := c.findApplicationBinary(ctx, appID, client)
	if err != nil {
		return nil, err
	}
	strategy, err := c.fetchSyncStrategy(ctx, binaryRef, client)
	if err != nil {
		return nil, err
	}
	ids, err := c.fetchPartitionIDs(ctx, dt, strategy, client)
	if err != nil {
		return nil, err
	}

	result := &syncStrategyResult{strategy: strategy, tagURL: tagURLFor(strategy), ids: ids}
	c.cache.Store(key, result)
	return result, nil
}

func tagURLFor(strategy string) string {
	return "https://fhir-gateway.example.com/sync-strategy/" + strings.ToLower(strategy)
}

// findApplicationBinary fetches Composition?identifier={appID}, expects a
// single Composition, and returns the focus reference of the section whose
// focus identifier's value is "application".
func (c *SyncStrategyChecker) findApplicationBinary(ctx context.Context, appID string, client BackendClient) (string, error) {
	status, body, err := client.Do(ctx, "GET", "/Composition", map[string][]string{"identifier": {appID}}, nil)
	if err != nil {
		return "", err
	}
	if status/100 != 2 {
		return "", gatewayerr.Config(fmt.Sprintf("application Composition lookup returned status %d", status), nil)
	}
	bundle, err := fhir.ParseBundle(body)
	if err != nil {
		return "", gatewayerr.Config("parsing application Composition bundle", err)
	}
	if len(bundle.Entry) != 1 || len(bundle.Entry[0].Resource) == 0 {
		return "", gatewayerr.Config(fmt.Sprintf("expected exactly one Composition for app id %q", appID), nil)
	}

	var composition struct {
		Section []struct {
			Focus struct {
				Identifier struct {
					Value string `json:"value"`
				} `json:"identifier"`
				Reference string `json:"reference"`
			} `json:"focus"`
		} `json:"section"`
	}
	if err := json.Unmarshal(bundle.Entry[0].Resource, &composition); err != nil {
		return "", gatewayerr.Config("parsing application Composition resource", err)
	}
	for _, section := range composition.Section {
		if section.Focus.Identifier.Value == "application" {
			if section.Focus.Reference == "" {
				return "", gatewayerr.Config("application Composition section has no focus reference", nil)
			}
			return section.Focus.Reference, nil
		}
	}
	return "", gatewayerr.Config("application Composition has no section with focus identifier \"application\"", nil)
}

// fetchSyncStrategy fetches the Binary at binaryRef, base64-decodes its
// data, and extracts the "syncStrategy" field.
func (c *SyncStrategyChecker) fetchSyncStrategy(ctx context.Context, binaryRef string, client BackendClient) (string, error) {
	status, body, err := client.Do(ctx, "GET", "/"+strings.TrimPrefix(binaryRef, "/"), nil, nil)
	if err != nil {
		return "", err
	}
	if status/100 != 2 {
		return "", gatewayerr.Config(fmt.Sprintf("application config Binary lookup returned status %d", status), nil)
	}
	var binary struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(body, &binary); err != nil {
		return "", gatewayerr.Config("parsing application config Binary", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(binary.Data)
	if err != nil {
		return "", gatewayerr.Config("base64-decoding application config Binary data", err)
	}
	var config struct {
		SyncStrategy string `json:"syncStrategy"`
	}
	if err := json.Unmarshal(decoded, &config); err != nil {
		return "", gatewayerr.Config("parsing decoded application config JSON", err)
	}
	switch config.SyncStrategy {
	case SyncStrategyCareTeam, SyncStrategyOrganization, SyncStrategyLocation:
		return config.SyncStrategy, nil
	default:
		return "", gatewayerr.Config(fmt.Sprintf("unrecognized syncStrategy %q", config.SyncStrategy), nil)
	}
}

// fetchPartitionIDs fetches the caller's PractitionerRole entries and
// returns the ids of the resource type named by strategy.
func (c *SyncStrategyChecker) fetchPartitionIDs(ctx context.Context, dt token.DecodedToken, strategy string, client BackendClient) ([]string, error) {
	status, body, err := client.Do(ctx, "GET", "/PractitionerRole", map[string][]string{
		"practitioner": {"Practitioner/" + dt.Subject},
		"_elements":    {"organization", "location", "careTeam"},
	}, nil)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, gatewayerr.Config(fmt.Sprintf("practitioner role lookup returned status %d", status), nil)
	}
	bundle, err := fhir.ParseBundle(body)
	if err != nil {
		return nil, gatewayerr.Config("parsing practitioner role bundle", err)
	}

	field := map[string]string{
		SyncStrategyCareTeam:     "careTeam",
		SyncStrategyOrganization: "organization",
		SyncStrategyLocation:     "location",
	}[strategy]

	var ids []string
	for _, entry := range bundle.Entry {
		var role map[string]json.RawMessage
		if json.Unmarshal(entry.Resource, &role) != nil {
			continue
		}
		raw, ok := role[field]
		if !ok {
			continue
		}
		var refs []struct {
			Reference string `json:"reference"`
		}
		if json.Unmarshal(raw, &refs) == nil {
			for _, r := range refs {
				if id := lastPathSegment(r.Reference); id != "" {
					ids = append(ids, id)
				}
			}
			continue
		}
		var single struct {
			Reference string `json:"reference"`
		}
		if json.Unmarshal(raw, &single) == nil && single.Reference != "" {
			ids = append(ids, lastPathSegment(single.Reference))
		}
	}
	return ids, nil
}
