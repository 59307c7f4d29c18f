/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package reactor implements a single goroutine event loop that multiplexes
// one-shot and periodic timers with readiness notifications on file
// descriptors.
//
// One call to Tick performs exactly one iteration: due timers fire first in
// due order, then read-ready callbacks, then write-ready callbacks, then
// callbacks queued with CallSoon before the tick began. Callbacks run on the
// goroutine calling Tick and may freely schedule, cancel or change watches.
// Panics raised by callbacks are recovered and handed to the error sink.
package reactor
