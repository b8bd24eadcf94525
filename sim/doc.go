// Package sim simulates the physical process of a water-treatment plant and
// exposes it to PLCs through a Modbus/TCP register bank.
//
// # Reading Guide
//
// Start with these files to understand the simulation kernel:
//   - device.go, device_kinds.go: pumps, valves, filters, tanks, reservoirs
//     and vessels, and how each pushes and pulls fluid
//   - graph.go: the device arena, edges, and the re-entrancy guards that
//     keep cyclic plants terminating
//   - simulator.go: the lifecycle and the cycle loop
//
// # Architecture
//
// Devices live in a Graph and refer to each other by DeviceID. A Distributor,
// fixed when the graph is built, decides how a transfer is split among
// neighbours: equally (proportional) or by per-edge formulas evaluated by
// sim/expression.
//
// Sensors sample one device each per cycle. Controllers map their sensors to
// coils and holding registers of the shared bank in sim/bank, which the
// Modbus server serves to real or simulated PLCs.
//
// Sub-packages:
//   - sim/bank/: coil/register bank and Modbus/TCP server
//   - sim/expression/: expr and govaluate formula dialects
//   - sim/trace/: per-cycle sensor trace recording
//   - sim/skeleton/: Structured Text program generation per controller
//
// # One Cycle
//
// Reset flow rates, run the worker of every active device (reservoirs always
// run), compare stored volume with the previous total plus injections,
// sample sensors, then let each controller synchronize its addresses.
package sim
