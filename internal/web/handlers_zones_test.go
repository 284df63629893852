package web

import (
	"net/http"
	"testing"
)

func TestAPIZones(t *testing.T) {
	env := setupTestServer(t)

	var list []zoneView
	decode(t, env.request(t, "GET", "/api/zones", ""), &list)
	if len(list) != 1 || list[0].Zone != "hall" || len(list[0].Lights) != 1 || list[0].Lights[0].Active {
		t.Fatalf("zones = %+v", list)
	}

	if w := env.request(t, "POST", "/api/zones", `{"zone":"porch"}`); w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", w.Code)
	}
	if w := env.request(t, "POST", "/api/zones", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("create without id: status = %d", w.Code)
	}

	// An empty zone is known, so presence succeeds without touching any light.
	if w := env.request(t, "POST", "/api/zones/porch/presence", `{"present":true}`); w.Code != http.StatusOK {
		t.Errorf("presence on empty zone: status = %d", w.Code)
	}

	if w := env.request(t, "POST", "/api/zones/porch/lights", `{"light_id":"LDDEEFF"}`); w.Code != http.StatusOK {
		t.Fatalf("add light: status = %d", w.Code)
	}
	if w := env.request(t, "POST", "/api/zones/porch/lights", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("add light without id: status = %d", w.Code)
	}
	var lz []string
	decode(t, env.request(t, "GET", "/api/lights/LDDEEFF/zones", ""), &lz)
	if len(lz) != 2 {
		t.Errorf("zones for light = %v, want hall and porch", lz)
	}

	if w := env.request(t, "POST", "/api/zones/porch/presence", `{"present":true,"level":50}`); w.Code != http.StatusOK {
		t.Fatalf("presence: status = %d", w.Code)
	}
	if sl := lastSetLight(t, env.link); sl == nil || sl.W != 127 {
		t.Errorf("set_light = %+v", sl)
	}
	decode(t, env.request(t, "GET", "/api/zones", ""), &list)
	if len(list) != 2 || list[1].Zone != "porch" || !list[1].Lights[0].Active {
		t.Errorf("zones after presence = %+v", list)
	}

	if w := env.request(t, "DELETE", "/api/zones/porch/lights/LDDEEFF", ""); w.Code != http.StatusOK {
		t.Errorf("remove light: status = %d", w.Code)
	}
	if w := env.request(t, "DELETE", "/api/zones/porch", ""); w.Code != http.StatusOK {
		t.Errorf("delete zone: status = %d", w.Code)
	}
	if w := env.request(t, "DELETE", "/api/zones/porch", ""); w.Code != http.StatusNotFound {
		t.Errorf("delete missing zone: status = %d", w.Code)
	}
	if w := env.request(t, "DELETE", "/api/zones/porch/lights/LDDEEFF", ""); w.Code != http.StatusNotFound {
		t.Errorf("remove light from missing zone: status = %d", w.Code)
	}
	decode(t, env.request(t, "GET", "/api/lights/L000000/zones", ""), &lz)
	if len(lz) != 0 {
		t.Errorf("zones for unknown light = %v", lz)
	}
}

func TestAPIThermal(t *testing.T) {
	env := setupTestServer(t)
	if w := env.request(t, "POST", "/api/lights/LDDEEFF", `{"level":100}`); w.Code != http.StatusOK {
		t.Fatalf("set light: status = %d", w.Code)
	}
	env.link.Sent()
	env.thermal.ObserveTemperature(nodeA, 60)

	var view struct {
		Limits struct {
			StartC float64 `json:"start_c"`
		} `json:"limits"`
		Nodes []thermalNodeView `json:"nodes"`
	}
	decode(t, env.request(t, "GET", "/api/thermal", ""), &view)
	if view.Limits.StartC != 70 || len(view.Nodes) != 1 || view.Nodes[0].Reading == nil || view.Nodes[0].Reading.TempC != 60 {
		t.Fatalf("thermal = %+v", view)
	}

	// Lowering the curve below the current temperature caps the lit node.
	w := env.request(t, "PUT", "/api/thermal", `{"start_c":40,"max_c":60,"floor_level":10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set limits: status = %d body %s", w.Code, w.Body.String())
	}
	if sl := lastSetLight(t, env.link); sl == nil || sl.W != 25 || sl.Reason != "thermal" {
		t.Errorf("set_light = %+v", sl)
	}
	if rec, _ := env.dir.Get(nodeA); rec.DerationLevel != 10 {
		t.Errorf("deration = %d, want 10", rec.DerationLevel)
	}

	if w := env.request(t, "PUT", "/api/thermal", `{"start_c":80,"max_c":70}`); w.Code != http.StatusBadRequest {
		t.Errorf("inverted limits: status = %d", w.Code)
	}

	// A per-node override can lift the cap again.
	if w := env.request(t, "PUT", "/api/thermal/LDDEEFF", `{"start_c":70,"max_c":85,"floor_level":30}`); w.Code != http.StatusOK {
		t.Fatalf("node limits: status = %d", w.Code)
	}
	if sl := lastSetLight(t, env.link); sl == nil || sl.W != 255 {
		t.Errorf("set_light after override = %+v", sl)
	}
	if w := env.request(t, "PUT", "/api/thermal/L000000", `{"start_c":70,"max_c":85}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown node: status = %d", w.Code)
	}
}

func TestAPIZonesAndThermalUnavailable(t *testing.T) {
	env := setupTestServer(t)
	srv := NewServer(env.coord, testLogger())
	t.Cleanup(srv.Stop)
	env.srv = srv

	for _, tc := range []struct{ method, path, body string }{
		{"GET", "/api/zones", ""},
		{"POST", "/api/zones", `{"zone":"x"}`},
		{"GET", "/api/thermal", ""},
		{"PUT", "/api/thermal", `{"start_c":40,"max_c":60}`},
	} {
		if w := env.request(t, tc.method, tc.path, tc.body); w.Code != http.StatusNotImplemented {
			t.Errorf("%s %s: status = %d, want 501", tc.method, tc.path, w.Code)
		}
	}
}
