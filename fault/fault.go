// Package fault implements the page-fault decision table tying
// together spt, frame, and hwpt: look up the faulting page, grow the
// stack if the heuristic allows it, otherwise load from the SPTE's
// backing or report a fatal fault. Grounded on biscuit's
// vm.Sys_pgfault, narrowed to three SPTE kinds and a single
// stack-growth heuristic in place of biscuit's COW/guard-page
// machinery.
package fault

import (
	"kcore/errs"
	"kcore/frame"
	"kcore/spt"
)

// Handler resolves user page faults for one process's address space.
type Handler struct {
	spt *spt.Table
}

// New builds a Handler over the given SupplementalPageTable.
func New(s *spt.Table) *Handler {
	return &Handler{spt: s}
}

// Handle resolves a fault at faultUpage with the process's current
// user stack pointer sp. A resolved fault returns 0; any other result
// is fatal to the faulting process (the caller, which owns process
// lifetime, is responsible for acting on that — this package knows
// nothing about processes).
func (h *Handler) Handle(faultUpage, sp uintptr) errs.Err_t {
	if _, ok := h.spt.Lookup(faultUpage); ok {
		return h.spt.Load(faultUpage)
	}
	if isStackGrowth(faultUpage, sp) {
		return h.spt.AddStackPage(faultUpage)
	}
	return errs.EFAULT
}

// isStackGrowth reports whether the fault address is within one page
// below the current stack pointer, the heuristic used to grow the
// stack on demand.
func isStackGrowth(faultUpage, sp uintptr) bool {
	if sp < frame.PageSize {
		return faultUpage <= sp
	}
	lowerBound := sp - frame.PageSize
	return faultUpage >= lowerBound && faultUpage <= sp
}
