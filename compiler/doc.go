/*
Package compiler is the backend of the peachili compiler.

Process of compilation

	Instruction IR (ir) ->
		format ->
	Assembly Text

	Instruction IR (ir) ->
		assemble ->
	Binary Object (obj) ->
		elf ->
	Relocatable Object File

	Binary Object (obj) ->
		link ->
	Binary Executable

The front end hands the IR over as a YAML file (irfile).
*/
package compiler
