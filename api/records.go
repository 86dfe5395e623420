package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/orbital-hq/orbital/model"
	"github.com/orbital-hq/orbital/record"
)

// submitItem is one record in a submission batch. The specification is
// decoded against the record type from the URL.
type submitItem struct {
	Specification json.RawMessage        `json:"specification"`
	Molecules     []*model.Molecule      `json:"molecules,omitempty"`
	MoleculeIDs   []int64                `json:"molecule_ids,omitempty"`
	Tag           string                 `json:"tag,omitempty"`
	Priority      string                 `json:"priority,omitempty"`
	Extras        map[string]interface{} `json:"extras,omitempty"`
}

type submitRequest struct {
	Items        []submitItem `json:"items"`
	FindExisting *bool        `json:"find_existing,omitempty"`
}

type submitResponse struct {
	Metadata  *model.InsertMetadata `json:"metadata"`
	RecordIDs []int64               `json:"record_ids"`
}

func (s *Server) handleSubmitRecords(c echo.Context) error {
	recordType := model.RecordType(strings.ToLower(c.Param("type")))

	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed submission")
	}
	if len(req.Items) == 0 {
		return model.Validation("submission batch is empty")
	}

	findExisting := s.cfg.API.DedupScope != "off"
	if req.FindExisting != nil {
		findExisting = *req.FindExisting
	}

	subs := make([]record.Submission, len(req.Items))
	for i := range req.Items {
		item := &req.Items[i]

		spec, err := decodeSubmittedSpec(recordType, item.Specification)
		if err != nil {
			return err
		}

		priority := model.PriorityNormal
		if item.Priority != "" {
			var ok bool
			priority, ok = model.ParsePriority(item.Priority)
			if !ok {
				return model.Validation("unknown priority %q", item.Priority)
			}
		}

		subs[i] = record.Submission{
			Type:          recordType,
			Specification: spec,
			Molecules:     item.Molecules,
			MoleculeIDs:   item.MoleculeIDs,
			Tag:           item.Tag,
			Priority:      priority,
			Extras:        item.Extras,
			OwnerUser:     usernameFromContext(c),
		}
	}

	meta, ids, err := s.records.Add(c.Request().Context(), subs, findExisting)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, submitResponse{Metadata: meta, RecordIDs: ids})
}

func decodeSubmittedSpec(recordType model.RecordType, raw json.RawMessage) (model.Specification, error) {
	if len(raw) == 0 {
		return nil, model.Validation("submission item has no specification")
	}

	var spec model.Specification
	switch recordType {
	case model.RecordSinglepoint:
		spec = &model.QCSpecification{}
	case model.RecordOptimization:
		spec = &model.OptimizationSpecification{}
	case model.RecordTorsiondrive:
		spec = &model.TorsiondriveSpecification{}
	default:
		return nil, model.Validation("unknown record type %s", recordType)
	}
	if err := json.Unmarshal(raw, spec); err != nil {
		return nil, model.Validation("malformed %s specification", recordType)
	}
	return spec, nil
}

// modifyRequest selects a bulk operation over record ids. Operation is
// one of modify, reset, cancel, invalidate, delete, undelete, harddelete;
// the attribute fields apply to modify only.
type modifyRequest struct {
	RecordIDs []int64 `json:"record_ids"`
	Operation string  `json:"operation"`

	Status    *string `json:"status,omitempty"`
	Tag       *string `json:"tag,omitempty"`
	DeleteTag bool    `json:"delete_tag,omitempty"`
	Priority  *string `json:"priority,omitempty"`

	DeleteChildren bool `json:"delete_children,omitempty"`
}

func (s *Server) handleModifyRecords(c echo.Context) error {
	var req modifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed modify request")
	}
	if len(req.RecordIDs) == 0 {
		return model.Validation("no record ids given")
	}

	ctx := c.Request().Context()
	var meta *model.UpdateMetadata
	var err error

	switch req.Operation {
	case "", "modify":
		mod := record.ModifyRequest{DeleteTag: req.DeleteTag, Tag: req.Tag}
		if req.Status != nil {
			st := model.RecordStatus(*req.Status)
			mod.Status = &st
		}
		if req.Priority != nil {
			p, ok := model.ParsePriority(*req.Priority)
			if !ok {
				return model.Validation("unknown priority %q", *req.Priority)
			}
			mod.Priority = &p
		}
		meta, err = s.records.Modify(ctx, req.RecordIDs, mod)
	case "reset":
		meta, err = s.records.Reset(ctx, req.RecordIDs)
	case "cancel":
		meta, err = s.records.Cancel(ctx, req.RecordIDs)
	case "invalidate":
		meta, err = s.records.Invalidate(ctx, req.RecordIDs)
	case "delete":
		meta, err = s.records.SoftDelete(ctx, req.RecordIDs)
	case "undelete":
		meta, err = s.records.Undelete(ctx, req.RecordIDs)
	case "harddelete":
		meta, err = s.records.HardDelete(ctx, req.RecordIDs, req.DeleteChildren)
	default:
		return model.Validation("unknown operation %q", req.Operation)
	}
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, meta)
}

type queryRecordsRequest struct {
	record.QueryFilter
	Include []string `json:"include,omitempty"`
}

func (s *Server) handleQueryRecords(c echo.Context) error {
	var req queryRecordsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed query")
	}

	result, err := s.records.Query(c.Request().Context(), req.QueryFilter, s.cfg.API.QueryLimit)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, result)
}

func (s *Server) handleGetRecord(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return model.Validation("malformed record id %q", c.Param("id"))
	}

	opts := record.GetOptions{}
	if inc := c.QueryParam("include"); inc != "" {
		opts.Include = strings.Split(inc, ",")
	}
	if exc := c.QueryParam("exclude"); exc != "" {
		opts.Exclude = strings.Split(exc, ",")
	}

	recs, err := s.records.Get(c.Request().Context(), []int64{id}, opts)
	if err != nil {
		return err
	}

	if c.QueryParam("describe") == "true" {
		desc, err := s.records.ShortDescription(c.Request().Context(), id)
		if err != nil {
			return err
		}
		return respond(c, http.StatusOK, map[string]interface{}{
			"record":      recs[0],
			"description": desc,
		})
	}
	return respond(c, http.StatusOK, recs[0])
}
