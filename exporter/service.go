/*
Copyright 2024 The Alibaba Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package exporter

import (
	"errors"
	"net/http"

	restful "github.com/emicklei/go-restful"
	glog "k8s.io/klog"

	"github.com/alibaba/shmetrics/pkg/metrics"
	"github.com/alibaba/shmetrics/pkg/querytrack"
)

// adminHandler exposes the store's administrative surface over HTTP:
// inspect contents, delete one metric identity, empty the store.
type adminHandler struct {
	store *metrics.Store
	texts *querytrack.TextStore
}

// entryView is the wire form of one stored entry.
type entryView struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Type   string            `json:"type"`
	Bucket int64             `json:"bucket"`
	Value  int64             `json:"value"`
}

type deleteRequest struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

type countResponse struct {
	Deleted int `json:"deleted"`
}

// WebService wires the admin routes.
func (h *adminHandler) WebService() *restful.WebService {
	ws := &restful.WebService{}
	ws.Path("/admin/v1").Consumes(restful.MIME_JSON).Produces(restful.MIME_JSON)
	ws.Route(ws.GET("/metrics").To(h.listMetrics))
	ws.Route(ws.GET("/buckets").To(h.listBuckets))
	ws.Route(ws.GET("/queries").To(h.listQueries))
	ws.Route(ws.POST("/metrics/delete").To(h.deleteMetric))
	ws.Route(ws.POST("/clear").To(h.clear))
	ws.Route(ws.GET("/stats").To(h.arenaStats))
	return ws
}

func (h *adminHandler) listMetrics(req *restful.Request, resp *restful.Response) {
	entries, err := h.store.List()
	if err != nil {
		writeError(resp, err)
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			Name:   e.Name,
			Labels: e.Labels,
			Type:   e.Kind.String(),
			Bucket: e.Bucket,
			Value:  e.Value,
		})
	}
	resp.WriteAsJson(views)
}

func (h *adminHandler) listBuckets(req *restful.Request, resp *restful.Response) {
	resp.WriteAsJson(h.store.Buckets())
}

func (h *adminHandler) listQueries(req *restful.Request, resp *restful.Response) {
	if h.texts == nil {
		resp.WriteAsJson([]querytrack.TextEntry{})
		return
	}
	resp.WriteAsJson(h.texts.List())
}

func (h *adminHandler) deleteMetric(req *restful.Request, resp *restful.Response) {
	var dr deleteRequest
	if err := req.ReadEntity(&dr); err != nil {
		resp.WriteError(http.StatusBadRequest, err)
		return
	}
	deleted, err := h.store.DeleteMetric(dr.Name, dr.Labels)
	if err != nil {
		writeError(resp, err)
		return
	}
	glog.Infof("Admin deleted %d entries of %q", deleted, dr.Name)
	resp.WriteAsJson(countResponse{Deleted: deleted})
}

func (h *adminHandler) clear(req *restful.Request, resp *restful.Response) {
	deleted, err := h.store.Clear()
	if err != nil {
		writeError(resp, err)
		return
	}
	glog.Infof("Admin cleared %d entries", deleted)
	resp.WriteAsJson(countResponse{Deleted: deleted})
}

func (h *adminHandler) arenaStats(req *restful.Request, resp *restful.Response) {
	stats, err := h.store.ArenaStats()
	if err != nil {
		writeError(resp, err)
		return
	}
	resp.WriteAsJson(stats)
}

func writeError(resp *restful.Response, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, metrics.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, metrics.ErrNotRecorded):
		code = http.StatusConflict
	}
	resp.WriteError(code, err)
}
