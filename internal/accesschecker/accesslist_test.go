package accesschecker

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/ehrgateway/fhir-gateway/internal/request"
	"github.com/ehrgateway/fhir-gateway/internal/token"
)

type stubBackendClient struct {
	doFunc func(ctx context.Context, method, path string, query map[string][]string, body []byte) (int, []byte, error)
	calls  []string
}

func (s *stubBackendClient) Do(ctx context.Context, method, path string, query map[string][]string, body []byte) (int, []byte, error) {
	s.calls = append(s.calls, method+" "+path)
	return s.doFunc(ctx, method, path, query, body)
}

func TestAccessListChecker_GetOwnList_Granted(t *testing.T) {
	dt := token.DecodedToken{Claims: map[string]interface{}{"patient_list": "L1"}}
	v := request.View{Method: http.MethodGet, ResourceType: "List", ResourceID: "L1"}
	d, err := (AccessListChecker{}).Check(context.Background(), v, dt, testInspector(), nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Kind != Granted {
		t.Fatalf("expected Granted, got %v (%s)", d.Kind, d.Reason)
	}
}

func TestAccessListChecker_MemberPatient_Granted(t *testing.T) {
	dt := token.DecodedToken{Claims: map[string]interface{}{"patient_list": "L1"}}
	v := request.View{Method: http.MethodGet, ResourceType: "Patient", ResourceID: "P1"}
	client := &stubBackendClient{doFunc: func(ctx context.Context, method, path string, query map[string][]string, body []byte) (int, []byte, error) {
		return 200, []byte(`{"resourceType":"Bundle","type":"searchset","total":1,"entry":[]}`), nil
	}}
	d, err := (AccessListChecker{}).Check(context.Background(), v, dt, testInspector(), client)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Kind != Granted {
		t.Fatalf("expected Granted, got %v (%s)", d.Kind, d.Reason)
	}
}

func TestAccessListChecker_NonMemberPatient_Denied(t *testing.T) {
	dt := token.DecodedToken{Claims: map[string]interface{}{"patient_list": "L1"}}
	v := request.View{Method: http.MethodGet, ResourceType: "Patient", ResourceID: "P9"}
	client := &stubBackendClient{doFunc: func(ctx context.Context, method, path string, query map[string][]string, body []byte) (int, []byte, error) {
		return 200, []byte(`{"resourceType":"Bundle","type":"searchset","total":0,"entry":[]}`), nil
	}}
	d, err := (AccessListChecker{}).Check(context.Background(), v, dt, testInspector(), client)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Kind != Denied {
		t.Fatal("expected Denied when patient is not present on the list")
	}
}

func TestAccessListChecker_NewPatientPUT_GrantsWithAppenderPostProcessor(t *testing.T) {
	dt := token.DecodedToken{Claims: map[string]interface{}{"patient_list": "L1"}}
	v := bodyView(http.MethodPut, "Patient", "P2", request.Query{}, `{"resourceType":"Patient","id":"P2"}`)
	d, err := (AccessListChecker{}).Check(context.Background(), v, dt, testInspector(), nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Kind != Granted {
		t.Fatalf("expected Granted, got %v (%s)", d.Kind, d.Reason)
	}
	if d.Post == nil {
		t.Fatal("expected a post-processor to append the new patient to the list")
	}
}

func TestAccessListChecker_MissingClaim_Denied(t *testing.T) {
	dt := token.DecodedToken{Claims: map[string]interface{}{}}
	v := request.View{Method: http.MethodGet, ResourceType: "Patient", ResourceID: "P1"}
	d, err := (AccessListChecker{}).Check(context.Background(), v, dt, testInspector(), nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Kind != Denied {
		t.Fatal("expected Denied when patient_list claim is missing")
	}
}

func TestListAppender_Process_PatchesListOnSuccess(t *testing.T) {
	client := &stubBackendClient{doFunc: func(ctx context.Context, method, path string, query map[string][]string, body []byte) (int, []byte, error) {
		if method != "PATCH" || path != "/List/L1" {
			return 0, nil, fmt.Errorf("unexpected call %s %s", method, path)
		}
		return 200, nil, nil
	}}
	ctx := WithBackendClient(context.Background(), client)
	appender := listAppender{listID: "L1", patientID: "P2"}
	_, err := appender.Process(ctx, request.View{}, 201, nil, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected exactly one backend call, got %v", client.calls)
	}
}

func TestListAppender_Process_SkipsOnNonSuccessStatus(t *testing.T) {
	client := &stubBackendClient{doFunc: func(ctx context.Context, method, path string, query map[string][]string, body []byte) (int, []byte, error) {
		t.Fatal("backend should not be called for a non-2xx upstream status")
		return 0, nil, nil
	}}
	ctx := WithBackendClient(context.Background(), client)
	appender := listAppender{listID: "L1", patientID: "P2"}
	_, err := appender.Process(ctx, request.View{}, 500, nil, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
}
