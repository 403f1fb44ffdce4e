package nbmodel

import (
	"context"
	"fmt"

	"github.com/datalayer/jupyter-nbmodel-client/crdt"
)

// KernelOutput is one output message delivered during an execution.
type KernelOutput struct {
	// "stream", "display_data", "execute_result", "error" or
	// "clear_output"
	Type    string
	Content map[string]any
}

type ExecutionReply struct {
	Status         string
	ExecutionCount *int
}

// KernelClient runs code and streams interleaved output messages
// through the callback before returning the final status.
type KernelClient interface {
	ExecuteInteractive(ctx context.Context, code string, onOutput func(output KernelOutput)) (ExecutionReply, error)
}

type ExecutionResult struct {
	Status         string
	ExecutionCount *int
	Outputs        []map[string]any
}

// outputRecord converts one kernel output message into a notebook
// output record, or nil for message types that carry no record.
func outputRecord(output KernelOutput) map[string]any {
	switch output.Type {
	case "stream":
		return map[string]any{
			"output_type": "stream",
			"name":        stringAt(output.Content, "name"),
			"text":        stringAt(output.Content, "text"),
		}
	case "display_data", "execute_result":
		record := map[string]any{
			"output_type": output.Type,
			"data":        output.Content["data"],
			"metadata":    output.Content["metadata"],
		}
		if output.Type == "execute_result" {
			record["execution_count"] = output.Content["execution_count"]
		}
		return record
	case "error":
		return map[string]any{
			"output_type": "error",
			"ename":       stringAt(output.Content, "ename"),
			"evalue":      stringAt(output.Content, "evalue"),
			"traceback":   output.Content["traceback"],
		}
	}
	return nil
}

// mergeOutput appends a record to the output list, coalescing
// consecutive stream records that share a stream name by appending
// text. A clear truncates the list to empty.
func mergeOutput(outputs []map[string]any, output KernelOutput) []map[string]any {
	if output.Type == "clear_output" {
		return []map[string]any{}
	}
	record := outputRecord(output)
	if record == nil {
		return outputs
	}
	if record["output_type"] == "stream" && 0 < len(outputs) {
		last := outputs[len(outputs)-1]
		if last["output_type"] == "stream" && last["name"] == record["name"] {
			last["text"] = stringAt(last, "text") + stringAt(record, "text")
			return outputs
		}
	}
	return append(outputs, record)
}

// ExecuteCell executes the cell at index against the kernel, merging
// every output record into the cell's output list as it arrives.
func (self *NotebookModel) ExecuteCell(ctx context.Context, index int, kernel KernelClient) (ExecutionResult, error) {
	var source string
	var cellID string
	err := self.Transact("", func(tx *crdt.Tx) error {
		m, err := tx.Cell(index)
		if err != nil {
			return err
		}
		cellID = stringAt(m, "id")
		source = stringAt(m, "source")
		// reset the cell before running
		if err := tx.SetCellKey(index, "outputs", []any{}); err != nil {
			return err
		}
		if err := tx.SetCellKey(index, "execution_count", nil); err != nil {
			return err
		}
		return tx.SetCellKey(index, "execution_state", "running")
	})
	if err != nil {
		return ExecutionResult{}, err
	}

	outputs := []map[string]any{}
	onOutput := func(output KernelOutput) {
		outputs = mergeOutput(outputs, output)
		writeErr := self.Transact("", func(tx *crdt.Tx) error {
			// the cell may have moved; anchor on its id
			target := tx.CellIndexByID(cellID)
			if target < 0 {
				return &NotFoundError{CellID: cellID}
			}
			return tx.SetCellKey(target, "outputs", outputs)
		})
		if writeErr != nil {
			// the record stays in the local result even if the cell went away
			return
		}
	}

	reply, execErr := kernel.ExecuteInteractive(ctx, source, onOutput)

	finalizeErr := self.Transact("", func(tx *crdt.Tx) error {
		target := tx.CellIndexByID(cellID)
		if target < 0 {
			return &NotFoundError{CellID: cellID}
		}
		var count any
		if reply.ExecutionCount != nil {
			count = *reply.ExecutionCount
		}
		if err := tx.SetCellKey(target, "execution_count", count); err != nil {
			return err
		}
		return tx.SetCellKey(target, "execution_state", "idle")
	})

	if execErr != nil {
		return ExecutionResult{}, fmt.Errorf("execution failed: %w", execErr)
	}
	if finalizeErr != nil {
		return ExecutionResult{}, finalizeErr
	}
	return ExecutionResult{
		Status:         reply.Status,
		ExecutionCount: reply.ExecutionCount,
		Outputs:        outputs,
	}, nil
}
