// Package command dispatches operator commands to field agents and applies
// their replies.
//
// Dispatch persists a pending record, then:
//
//   - restart, power_off, power_on, update_worker, get_realtime: push the
//     frame and return queued at once. The record becomes running when the
//     frame is queued and completed or failed when command_result arrives.
//   - rescan: push the frame and wait up to ScanTimeout for scan_result.
//     A reply returns completed with the discovered devices. A timeout or
//     disconnect returns queued and leaves the record pending.
//
// Device passwords are decrypted only while building the outbound frame;
// stored params never contain a password.
//
// Service also implements agent.Handler. When an agent connects, pending
// commands younger than ReplayWindow are delivered in creation order and
// older ones are cancelled. Results that are duplicates, unknown, owned by
// another agent, or already terminal are logged and dropped.
package command
