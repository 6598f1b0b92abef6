// Package core provides the import/export engine for organizational records.
//
// The package holds every piece of domain logic needed to move unit types,
// units, job titles, persons, assignment types and assignments between a file
// representation and a store. It knows nothing about file formats, HTTP or
// SQL; those are collaborators behind the [Store] and [AuditSink] interfaces.
//
// # Architecture
//
//   - Registry: immutable catalogue of [EntitySchema] values. Registration
//     order is the canonical kind order and every component receives the
//     registry explicitly.
//   - Validator: per-field coercion and constraints, business rules and
//     foreign key membership checks. Produces [ValidationError] values, never
//     panics on bad data.
//   - DependencyResolver: orders requested kinds so every dependency comes
//     first (Kahn's algorithm, ties broken by canonical order).
//   - ConflictResolver: detects collisions with stored rows and within the
//     batch, and applies one [Strategy] to all of them.
//   - TransactionCoordinator: tracks one store transaction per operation id.
//   - Service: the orchestrator exposing Import, Preview and Export.
//
// # Import Flow
//
//  1. Kinds are ordered by their declared dependencies.
//  2. Each kind's records are coerced and validated.
//  3. Foreign keys are checked against stored ids and records accepted
//     earlier in the run.
//  4. Conflicts are detected and resolved with the chosen strategy.
//  5. Survivors are written inside one transaction, client ids in references
//     rewritten to the ids the store assigned. Any failure rolls back the
//     whole run.
//
// Preview stops after step 4.
//
// # Error Handling
//
// Data problems never come back as Go errors; they are collected in the
// [OperationResult]. The returned error is reserved for caller mistakes.
// Technical errors are mapped to coded user messages with [MapError]:
//
//   - SCH001-SCH003: schema and registry errors
//   - CNF001-CNF002: conflict resolution errors
//   - TXN001-TXN002: transaction errors
//   - OPS001-OPS003: operation limits, cancellation and timeouts
//   - DB001-DB007: storage errors
//   - VAL001-VAL005: validation errors
//   - FILE001-FILE005: file errors
//
// # Audit Logging
//
// Every write decision is recorded as an [AuditEntry] with a severity:
//
//   - Low: skips and exports
//   - Medium: creates
//   - High: updates and new versions
//   - Critical: rollbacks
package core
