package http

import (
	"net/http"
	"time"

	"controlgastos/internal/core"
	"controlgastos/internal/log"
)

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, BadRequestError(err.Error()))
		return
	}
	e, err := req.toExpense(s.now(), s.location())
	if err != nil {
		s.writeError(w, r, ErrorFrom(err))
		return
	}

	id, err := s.vm.SubmitCreate(r.Context(), e)
	if err != nil {
		s.fail(w, r, log.OpCreate, err)
		return
	}
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/api/expenses/"+id).
		JSON(map[string]string{"id": id}).
		Write(w)
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	e, err := s.expenses.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	NewJSONResponse().JSON(newExpenseDTO(e)).Write(w)
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	var req expenseRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, BadRequestError(err.Error()))
		return
	}
	e, err := req.toExpense(s.now(), s.location())
	if err != nil {
		s.writeError(w, r, ErrorFrom(err))
		return
	}
	e.ID = r.PathValue("id")

	if err := s.vm.SubmitUpdate(r.Context(), e); err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	NoContent().Write(w)
}

func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	if err := s.vm.SubmitDelete(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, log.OpDelete, err)
		return
	}
	NoContent().Write(w)
}

func (s *Server) handleResetOperation(w http.ResponseWriter, r *http.Request) {
	s.vm.ResetOp()
	NoContent().Write(w)
}

// handleTotals returns the strict monthly overview for the session user.
// Unlike the display total it reports failures instead of hiding them.
func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.sessions.Current()
	if !ok {
		s.fail(w, r, log.OpAggregate, core.ErrUnauthenticated)
		return
	}
	params, err := ParseMonthParams(r.URL.Query(), s.now().In(s.location()))
	if err != nil {
		s.writeError(w, r, BadRequestError(err.Error()))
		return
	}

	ov, err := s.overviews.MonthOverview(r.Context(), userID, params.Year, time.Month(params.Month))
	if err != nil {
		s.fail(w, r, log.OpAggregate, err)
		return
	}
	NewJSONResponse().JSON(newOverviewDTO(ov)).Write(w)
}
