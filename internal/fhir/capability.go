package fhir

import "encoding/json"

// InjectOAuthSecurity adds the SMART-on-FHIR OAuth security service element
// to a backend-returned CapabilityStatement, per spec.md §6 "GET /metadata
// — proxied to the backend after injecting an OAuth security service
// element". The CapabilityStatement body is otherwise passed through
// unparsed (the gateway does not validate or re-derive its contents).
func InjectOAuthSecurity(capabilityStatementJSON []byte, authorizeURL, tokenURL string) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(capabilityStatementJSON, &doc); err != nil {
		return nil, err
	}

	rest, _ := doc["rest"].([]interface{})
	security := map[string]interface{}{
		"cors": true,
		"service": []interface{}{
			map[string]interface{}{
				"coding": []interface{}{
					map[string]interface{}{
						"system":  "http://terminology.hl7.org/CodeSystem/restful-security-service",
						"code":    "SMART-on-FHIR",
						"display": "SMART-on-FHIR",
					},
				},
			},
		},
		"extension": []interface{}{
			map[string]interface{}{
				"url": "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris",
				"extension": []interface{}{
					map[string]interface{}{"url": "authorize", "valueUri": authorizeURL},
					map[string]interface{}{"url": "token", "valueUri": tokenURL},
				},
			},
		},
	}

	for i, r := range rest {
		restEntry, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		if mode, _ := restEntry["mode"].(string); mode == "server" {
			restEntry["security"] = security
			rest[i] = restEntry
		}
	}
	doc["rest"] = rest

	return json.Marshal(doc)
}
