// Package adapter converts records produced by collector plugins, which
// still speak the older "cloud service" vocabulary, into the asset schema
// used by the inventory.
package adapter

import (
	"fmt"
	"strings"

	"github.com/cloudforet-io/inventory/pkg/inventory/errs"
	"github.com/cloudforet-io/inventory/pkg/inventory/keycodec"
)

// Resource types understood by the inventory.
const (
	TypeAsset            = "inventory.Asset"
	TypeAssetType        = "inventory.AssetType"
	TypeRegion           = "inventory.Region"
	TypeMetric           = "inventory.Metric"
	TypeNamespace        = "inventory.Namespace"
	TypeErrorResource    = "inventory.ErrorResource"
	TypeCloudService     = "inventory.CloudService"
	TypeCloudServiceType = "inventory.CloudServiceType"
)

// IconTag is the tag carrying an asset type's icon URL.
const IconTag = "spaceone:icon"

// Record is one raw element of a plugin's collect stream.
type Record map[string]any

// Resource is an adapted collector record. It is a distinct type from
// Record so an adapted value can never be fed back into Adapt.
type Resource struct {
	ResourceType string
	State        string
	Message      string
	MatchRules   map[string][]string
	// Payload is the embedded "resource" object, nil when the plugin sent none.
	Payload     map[string]any
	AssetTypeID string
	AssetGroups []string
	Icon        string
	// Extra holds top-level fields this package does not interpret.
	Extra map[string]any
}

var resourceTypeRemap = map[string]string{
	TypeCloudService:     TypeAsset,
	TypeCloudServiceType: TypeAssetType,
}

// Adapt converts raw into a Resource. raw is not modified.
func Adapt(raw Record) (*Resource, error) {
	rec := deepCopyMap(raw)

	res := &Resource{Extra: map[string]any{}}
	res.ResourceType, _ = rec["resource_type"].(string)
	if mapped, ok := resourceTypeRemap[res.ResourceType]; ok {
		res.ResourceType = mapped
	}
	res.State, _ = rec["state"].(string)
	res.Message, _ = rec["message"].(string)

	rules, err := rewriteMatchRules(rec["match_rules"], res.ResourceType)
	if err != nil {
		return nil, err
	}
	res.MatchRules = rules

	if payload, ok := rec["resource"].(map[string]any); ok {
		if err := normalizePayload(res, payload); err != nil {
			return nil, err
		}
		res.Payload = payload
	}

	for k, v := range rec {
		switch k {
		case "resource_type", "state", "message", "match_rules", "resource":
		default:
			res.Extra[k] = v
		}
	}
	return res, nil
}

func rewriteMatchRules(raw any, resourceType string) (map[string][]string, error) {
	if raw == nil {
		return map[string][]string{}, nil
	}
	groups, ok := raw.(map[string]any)
	if !ok {
		return nil, errs.InvalidParameterType("match_rules", raw)
	}

	out := make(map[string][]string, len(groups))
	for group, values := range groups {
		tokens, err := toStrings(values)
		if err != nil {
			return nil, errs.InvalidParameter("match_rules."+group, err.Error())
		}
		rewritten := make([]string, 0, len(tokens))
		for _, token := range tokens {
			switch token {
			case "cloud_service_id":
				rewritten = append(rewritten, "asset_id")
			case "cloud_service_type":
				rewritten = append(rewritten, "asset_type_id")
			case "cloud_service_group":
			case "reference.resource_id":
				rewritten = append(rewritten, "resource_id")
			case "group":
				rewritten = append(rewritten, "asset_group_id")
			case "name":
				if resourceType == TypeAssetType {
					rewritten = append(rewritten, "asset_type_id")
				} else {
					rewritten = append(rewritten, token)
				}
			default:
				rewritten = append(rewritten, token)
			}
		}
		out[group] = rewritten
	}
	return out, nil
}

func normalizePayload(res *Resource, payload map[string]any) error {
	delete(payload, "metadata")

	switch res.ResourceType {
	case TypeMetric:
		if nested, ok := payload["resource_type"].(string); ok {
			payload["resource_type"] = strings.ReplaceAll(nested, "CloudService", "Asset")
		}

	case TypeAsset:
		moveIntoData(payload, "instance_size", "instance_type")

		if regionCode, ok := payload["region_code"]; ok && regionCode != nil && regionCode != "" {
			provider, err := requireString(payload, "provider")
			if err != nil {
				return err
			}
			payload["region_id"] = fmt.Sprintf("%s-%v", provider, regionCode)
		}

		fields, err := requireStrings(payload, "provider", "cloud_service_group", "cloud_service_type")
		if err != nil {
			return err
		}
		assetTypeID := strings.Join(fields, "-")
		payload["asset_type_id"] = assetTypeID
		res.AssetTypeID = assetTypeID

		if ref, ok := payload["reference"].(map[string]any); ok {
			if v, ok := ref["resource_id"]; ok {
				payload["resource_id"] = v
			}
			if v, ok := ref["external_link"]; ok {
				payload["external_link"] = v
			}
			delete(payload, "reference")
		}

	case TypeAssetType:
		fields, err := requireStrings(payload, "provider", "group", "name")
		if err != nil {
			return err
		}
		provider, group, name := fields[0], fields[1], fields[2]
		assetTypeID := fmt.Sprintf("at-%s-%s-%s", provider, group, name)
		payload["asset_type_id"] = assetTypeID
		res.AssetTypeID = assetTypeID
		res.AssetGroups = []string{
			fmt.Sprintf("ag-%s-%s", provider, group),
			fmt.Sprintf("ag-%s", provider),
		}

		tags, err := keycodec.TagsToDict(payload["tags"])
		if err != nil {
			return errs.InvalidParameter("resource.tags", err.Error())
		}
		if icon, ok := tags[IconTag].(string); ok {
			res.Icon = icon
		}
	}
	return nil
}

func moveIntoData(payload map[string]any, keys ...string) {
	for _, key := range keys {
		v, ok := payload[key]
		if !ok {
			continue
		}
		data, ok := payload["data"].(map[string]any)
		if !ok {
			data = map[string]any{}
			payload["data"] = data
		}
		data[key] = v
		delete(payload, key)
	}
}

func requireString(payload map[string]any, key string) (string, error) {
	v, ok := payload[key].(string)
	if !ok || v == "" {
		return "", errs.RequiredField("resource." + key)
	}
	return v, nil
}

func requireStrings(payload map[string]any, keys ...string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		v, err := requireString(payload, key)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func toStrings(v any) ([]string, error) {
	switch vals := v.(type) {
	case []string:
		return append([]string(nil), vals...), nil
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list, got %T", v)
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case Record:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}
